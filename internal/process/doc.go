// Package process supervises the device simulator executable.
//
// In simulator mode the tethered transport talks to a simulator listening
// on the host (ws://127.0.0.1:7381 by default). When simulator.process.managed
// is set, WearLink starts that executable in its own process group, restarts
// it with exponential backoff when it dies, and kills it if the endpoint
// stops accepting connections. Its output is logged line by line and Stats
// feeds the health endpoint.
//
//	cfg, err := process.SimulatorConfig(cfg.Simulator.Process, cfg.Transport.Tethered.URL)
//	if err != nil {
//	    return err
//	}
//	mgr := process.NewManager(cfg)
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
//	if err := mgr.WaitReady(ctx, 15*time.Second); err != nil {
//	    return err
//	}
package process
