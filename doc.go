// Package gocluster distributes ordinary function calls across machines
// on a local network. A Host pairs Workers with a one-time code, keeps an
// encrypted channel to each of them, and dispatches calls to the least
// loaded worker; callers get a pending result that resolves on the first
// of response, disconnect, or deadline.
//
// Functions travel by registered name, never as code: both sides hold a
// Registry mapping names to callables, and the wire carries the name plus
// msgpack-encoded arguments.
//
// # Quick Start
//
// Host side:
//
//	host := gocluster.NewHost(gocluster.Config{Port: 8888})
//	if err := host.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close()
//	fmt.Println("pairing code:", host.OTP())
//
//	add := gocluster.NewRemoteFunc(host.Dispatcher(), "add")
//	pending, err := add.Call(ctx, 2, 3)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sum, err := pending.Wait(ctx)
//
// Worker side:
//
//	reg := gocluster.NewRegistry()
//	reg.Register("add", func(a, b int) int { return a + b })
//
//	worker := gocluster.NewWorker(reg, gocluster.Config{})
//	if err := worker.Join(ctx, "192.168.1.10:8888", code); err != nil {
//	    log.Fatal(err)
//	}
//	worker.Run()
package gocluster

// Version is the current library version.
const Version = "1.0.0"
