package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gocluster/gocluster"
)

// fileConfig mirrors gocluster.Config with human-readable durations.
type fileConfig struct {
	Port              int    `yaml:"port"`
	BindAddr          string `yaml:"bind_addr"`
	OTPLength         int    `yaml:"otp_length"`
	OTPValidity       string `yaml:"otp_validity"`
	CallTimeout       string `yaml:"call_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	DialTimeout       string `yaml:"dial_timeout"`
}

func loadConfig(path string) (gocluster.Config, error) {
	var cfg gocluster.Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Port = fc.Port
	cfg.BindAddr = fc.BindAddr
	cfg.OTPLength = fc.OTPLength
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.OTPValidity, &cfg.OTPValidity},
		{fc.CallTimeout, &cfg.CallTimeout},
		{fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{fc.DialTimeout, &cfg.DialTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}

func newLogHandler(verbose bool) slog.Handler {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
}

func newHostCmd() *cobra.Command {
	var (
		port       int
		bindAddr   string
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a host and print the pairing code for workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") || cfg.Port == 0 {
				cfg.Port = port
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}

			host := gocluster.NewHost(cfg, gocluster.WithHostLog(newLogHandler(verbose)))
			if err := host.Start(); err != nil {
				return err
			}
			defer host.Close()

			fmt.Printf("gocluster host listening on %s\n", host.Addr())
			fmt.Printf("pairing code: %s\n", host.OTP())
			fmt.Println("press Ctrl+C to stop")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			fmt.Println("\nstopping host...")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", gocluster.DefaultPort, "port to listen on")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "address to bind to (default all interfaces)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newJoinCmd() *cobra.Command {
	var (
		hostAddr   string
		port       int
		code       string
		workerID   string
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a host as a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if code == "" {
				fmt.Print("pairing code: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read pairing code: %w", err)
				}
				code = strings.TrimSpace(line)
			}

			reg := gocluster.NewRegistry()
			registerBuiltins(reg)

			opts := []gocluster.WorkerOption{gocluster.WithWorkerLog(newLogHandler(verbose))}
			if workerID != "" {
				opts = append(opts, gocluster.WithWorkerID(workerID))
			}
			worker := gocluster.NewWorker(reg, cfg, opts...)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			addr := fmt.Sprintf("%s:%d", hostAddr, port)
			if err := worker.Join(ctx, addr, code); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\ndisconnecting worker...")
				worker.Stop()
			}()

			return worker.Run()
		},
	}

	cmd.Flags().StringVar(&hostAddr, "host", "", "host address")
	cmd.Flags().IntVar(&port, "port", gocluster.DefaultPort, "host port")
	cmd.Flags().StringVar(&code, "code", "", "pairing code from the host (prompted if omitted)")
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (default hostname-derived)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// registerBuiltins exposes a few functions every CLI worker serves, so a
// fresh cluster can be smoke-tested without a custom worker build.
func registerBuiltins(reg *gocluster.Registry) {
	_ = reg.Register("ping", func() string { return "pong" })
	_ = reg.Register("echo", func(v any) any { return v })
	_ = reg.Register("add", func(a, b float64) float64 { return a + b })
	_ = reg.Register("hostname", func() (string, error) { return os.Hostname() })
}

func main() {
	root := &cobra.Command{
		Use:           "gocluster",
		Short:         "Distributed function execution across LAN machines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newHostCmd(), newJoinCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
