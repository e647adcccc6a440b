package process

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

const (
	dialTimeout       = 2 * time.Second
	readyPollInterval = 200 * time.Millisecond
)

// EndpointAddr extracts host:port from a ws:// or wss:// URL, filling the
// scheme's default port.
func EndpointAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("endpoint %q has no host", raw)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "ws":
			port = "80"
		case "wss":
			port = "443"
		default:
			return "", fmt.Errorf("endpoint %q has no port", raw)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// DialCheck returns a health check that succeeds when addr accepts a TCP
// connection.
func DialCheck(addr string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", addr, err)
		}
		return conn.Close()
	}
}

// WaitReady blocks until the health check passes, the process stops
// running, or timeout elapses. Without a health check a running process
// counts as ready.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		st := m.Stats()
		if st.State != StateRunning {
			if st.LastError != "" {
				return fmt.Errorf("%s is %s: %s", m.cfg.Name, st.State, st.LastError)
			}
			return fmt.Errorf("%s is %s", m.cfg.Name, st.State)
		}
		if m.cfg.HealthCheckFunc == nil {
			return nil
		}
		err := m.cfg.HealthCheckFunc(ctx)
		if err == nil {
			m.log.Info("process ready", "name", m.cfg.Name)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not ready after %v: %w", m.cfg.Name, timeout, err)
		case <-ticker.C:
		}
	}
}
