package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/config"
	"fieldsync/internal/event"
	"fieldsync/internal/logger"
)

// Link describes the current network reachability. How it is measured is
// environment-specific; the engine only consumes transitions.
type Link struct {
	Online bool
	Wifi   bool
	Good   bool
}

// Probe measures reachability once. Implementations are free to use
// whatever signal the platform offers.
type Probe interface {
	Check(ctx context.Context) Link
}

// Monitor polls a probe and publishes online/offline transitions on the
// bus. Current state is always answerable from memory.
type Monitor struct {
	probe    Probe
	interval time.Duration
	bus      *event.Bus

	mu   sync.RWMutex
	link Link

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewMonitor(cfg config.MonitorConfig, probe Probe, bus *event.Bus) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: cfg.Interval(),
		bus:      bus,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Establish initial state before the first tick.
	m.check()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	link := m.probe.Check(ctx)
	m.SetLink(link)
}

// SetLink records the link state and publishes a transition event when the
// online flag flips. Exposed so platform shells can push reachability
// signals directly instead of polling.
func (m *Monitor) SetLink(link Link) {
	m.mu.Lock()
	prev := m.link
	m.link = link
	m.mu.Unlock()

	if prev.Online != link.Online {
		logger.Log.Info("Connection state changed",
			zap.Bool("online", link.Online),
			zap.Bool("wifi", link.Wifi),
		)
		m.bus.Publish(event.ConnectionChanged{Online: link.Online, Quality: qualityString(link)})
	}
}

func qualityString(l Link) string {
	switch {
	case !l.Online:
		return "offline"
	case l.Wifi && l.Good:
		return "wifi"
	case l.Good:
		return "good"
	default:
		return "degraded"
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link.Online
}

// Allows reports whether the current link satisfies a sync gating
// threshold: any, wifi-only, or good-connection-only.
func (m *Monitor) Allows(threshold string) bool {
	m.mu.RLock()
	link := m.link
	m.mu.RUnlock()

	if !link.Online {
		return false
	}

	switch threshold {
	case "wifi-only":
		return link.Wifi
	case "good-connection-only":
		return link.Good
	default:
		return true
	}
}

// HTTPProbe checks reachability with a HEAD request against the backend
// health endpoint. Latency above the threshold marks the link degraded.
type HTTPProbe struct {
	URL          string
	GoodLatency  time.Duration
	WifiDetector func() bool
	client       *http.Client
}

func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:         url,
		GoodLatency: 500 * time.Millisecond,
		client:      &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProbe) Check(ctx context.Context) Link {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Link{}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Link{}
	}
	resp.Body.Close()

	wifi := true
	if p.WifiDetector != nil {
		wifi = p.WifiDetector()
	}

	return Link{
		Online: resp.StatusCode < 500,
		Wifi:   wifi,
		Good:   time.Since(start) <= p.GoodLatency,
	}
}
