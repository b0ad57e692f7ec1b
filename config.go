package gocluster

import "time"

// Defaults used when the corresponding Config field is zero.
const (
	DefaultPort              = 8888
	DefaultOTPLength         = 8
	DefaultOTPValidity       = 5 * time.Minute
	DefaultCallTimeout       = 5 * time.Minute
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultSweepInterval     = 250 * time.Millisecond
	DefaultDialTimeout       = 30 * time.Second
)

// Config carries plain-value settings for hosts and workers. How the
// values are obtained (flags, files) is the caller's concern; the core
// never reads the environment.
type Config struct {
	// Port the host listens on. Zero picks an ephemeral port.
	Port int `yaml:"port"`

	// BindAddr the host binds to; defaults to all interfaces.
	BindAddr string `yaml:"bind_addr"`

	// OTPLength is the pairing code length in characters.
	OTPLength int `yaml:"otp_length"`

	// OTPValidity is how long an issued pairing code stays usable.
	OTPValidity time.Duration `yaml:"otp_validity"`

	// CallTimeout is the default deadline applied to dispatched calls.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// HeartbeatInterval is how often workers send heartbeats. A
	// connection silent for twice this window is unregistered.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// SweepInterval is how often the dispatcher scans call deadlines.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DialTimeout bounds worker connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// withDefaults returns a copy with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.OTPLength == 0 {
		c.OTPLength = DefaultOTPLength
	}
	if c.OTPValidity == 0 {
		c.OTPValidity = DefaultOTPValidity
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// LivenessWindow is how long a connection may stay silent before the
// host considers it dead.
func (c Config) LivenessWindow() time.Duration {
	return 2 * c.HeartbeatInterval
}
