// Package connectivity maintains an online/offline belief by periodically
// probing network reachability, notifying subscribers on transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agridata/fieldsync/internal/logging"
)

// Prober performs a single reachability check. Any returned error is
// interpreted as offline; probe errors never propagate to callers.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks reachability with a HEAD request. Any response at all,
// regardless of status code, counts as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober against the given URL with a per-probe
// timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Monitor samples reachability on a fixed interval and fires registered
// handlers exactly once per online/offline transition.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu       sync.RWMutex
	online   bool
	handlers []func(online bool)
	running  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. The initial belief is offline until the
// first probe says otherwise, so the engine queues rather than racing a
// remote it has never reached.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
	}
}

// Start launches the probe loop. The first probe runs immediately. A
// stopped monitor may be started again.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx, stopCh)

	logging.Info("Connectivity monitor started", map[string]interface{}{
		"probe_interval": m.interval.String(),
	})
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	m.mu.Unlock()

	close(stopCh)
	m.wg.Wait()

	logging.Info("Connectivity monitor stopped", nil)
}

// IsOnline returns the last-known state without blocking.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers a handler invoked once per transition with the new
// state. Handlers run on the monitor goroutine and should return quickly.
func (m *Monitor) OnChange(handler func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Monitor) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	m.setOnline(err == nil)
}

// setOnline records the new belief and fires handlers on transition.
func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	handlers := make([]func(bool), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	if !changed {
		return
	}

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	for _, h := range handlers {
		h(online)
	}
}
