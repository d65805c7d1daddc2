package supervisor

import (
	"context"
	"io"
	"net/http"
	"time"
)

// waitReady polls url until it answers 2xx, the server process exits, the
// startup ceiling is reached or ctx ends.
func (s *Supervisor) waitReady(ctx context.Context, url string, server *process) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		if s.probe(ctx, url) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-server.exited:
			return ErrServerExited
		case <-deadline.C:
			return ErrStartupTimeout
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, url string) bool {
	timeout := s.cfg.ProbeInterval
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
