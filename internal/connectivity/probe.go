package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Probe polls a health endpoint and treats any 2xx answer as online.
type Probe struct {
	*broadcaster
	client   *http.Client
	url      string
	interval time.Duration
}

// NewProbe creates a probe of url. It reports offline until the first
// successful check.
func NewProbe(client *http.Client, url string, interval time.Duration) *Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Probe{
		broadcaster: newBroadcaster(false),
		client:      client,
		url:         url,
		interval:    interval,
	}
}

// Run checks immediately and then on every interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	slog.Info("connectivity probe started",
		"component", "connectivity",
		"url", p.url,
		"interval", p.interval.String(),
	)

	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity probe stopped", "component", "connectivity")
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check probes once and returns the resulting state.
func (p *Probe) Check(ctx context.Context) bool {
	err := p.ping(ctx)
	online := err == nil
	if p.set(online) {
		if online {
			slog.Info("remote reachable", "component", "connectivity")
		} else {
			slog.Warn("remote unreachable", "component", "connectivity", "error", err)
		}
	}
	return online
}

func (p *Probe) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
