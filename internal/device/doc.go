// Package device tracks paired wearables and drives the message protocol
// with them.
//
// The Registry owns one transport session (Initialize…Shutdown) and the set of
// Devices the transport reports. Each Device is a small state machine:
//
//	Initializing ──▶ NotPaired | NotConnected | CheckingApp
//	CheckingApp  ──▶ Ready | AppNotInstalled
//	Ready        ──▶ ConnectionLost          (peer disconnects)
//	any          ──▶ NotConnected            (peer disconnects)
//	any          ──▶ InvalidState | ServiceUnavailable (transport fault)
//
// Every transition goes through a single setter, which clears the installed
// application unless the new state is Ready and emits a DEVICE event.
//
// # Concurrency
//
// The Registry is a single-owner actor. One goroutine (started by Start) runs
// every mutation; public methods post a closure to it and wait on a result
// channel bounded by the caller's context. Transport callbacks are posted the
// same way and checked against the generation that issued them, so a stale
// callback can never move a device that has since been re-attached.
//
// Sends race a timeout (30s by default) against the transport's completion.
// Both outcomes are delivered on the loop and the first one wins.
//
// # Usage
//
//	reg, err := device.NewRegistry(device.Options{
//	    Factory: factory,
//	    Sink:    bus,
//	    Logger:  log,
//	})
//	reg.Start(ctx)
//	defer reg.Stop()
//
//	res, err := reg.Initialize(ctx, device.Session{Mode: device.ModeLive, Variant: device.VariantRelease})
//	views, err := reg.GetDevices(ctx, false)
//	result, err := reg.SendToDevice(ctx, views[0].ID, "cmd", `{"a":1}`)
package device
