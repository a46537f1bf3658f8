package monitor

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/config"
	"fieldsync/internal/event"
)

type fakeProbe struct {
	mu   gosync.Mutex
	link Link
}

func (p *fakeProbe) Check(ctx context.Context) Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *fakeProbe) set(link Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.link = link
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeProbe, chan event.ConnectionChanged) {
	t.Helper()

	bus := event.NewBus()
	t.Cleanup(bus.Close)

	changes := make(chan event.ConnectionChanged, 32)
	bus.Subscribe(func(e event.Event) {
		if c, ok := e.(event.ConnectionChanged); ok {
			changes <- c
		}
	})

	probe := &fakeProbe{}
	m := NewMonitor(config.MonitorConfig{IntervalMs: 10}, probe, bus)
	return m, probe, changes
}

func TestMonitorPublishesOnlineTransitionOnce(t *testing.T) {
	m, _, changes := newTestMonitor(t)

	m.SetLink(Link{Online: true, Wifi: true, Good: true})
	m.SetLink(Link{Online: true, Wifi: true, Good: true})
	m.SetLink(Link{Online: true, Wifi: false, Good: true}) // quality change, still online

	select {
	case c := <-changes:
		assert.True(t, c.Online)
		assert.Equal(t, "wifi", c.Quality)
	case <-time.After(time.Second):
		t.Fatal("no transition event published")
	}

	select {
	case c := <-changes:
		t.Fatalf("unexpected second event: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorPublishesOfflineTransition(t *testing.T) {
	m, _, changes := newTestMonitor(t)

	m.SetLink(Link{Online: true, Wifi: true, Good: true})
	m.SetLink(Link{Online: false})

	var got []event.ConnectionChanged
	drain := time.After(200 * time.Millisecond)
	for len(got) < 2 {
		select {
		case c := <-changes:
			got = append(got, c)
		case <-drain:
			t.Fatalf("expected 2 transition events, got %d", len(got))
		}
	}

	assert.True(t, got[0].Online)
	assert.False(t, got[1].Online)
	assert.Equal(t, "offline", got[1].Quality)
}

func TestMonitorPollsProbe(t *testing.T) {
	m, probe, changes := newTestMonitor(t)

	probe.set(Link{Online: true, Wifi: true, Good: true})
	m.Start()
	defer m.Stop()

	select {
	case c := <-changes:
		assert.True(t, c.Online)
	case <-time.After(time.Second):
		t.Fatal("polling never observed the online link")
	}
	assert.True(t, m.Online())

	probe.set(Link{Online: false})
	select {
	case c := <-changes:
		assert.False(t, c.Online)
	case <-time.After(time.Second):
		t.Fatal("polling never observed the offline flip")
	}
	assert.False(t, m.Online())
}

func TestMonitorAllowsThresholds(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	tests := []struct {
		name      string
		link      Link
		threshold string
		want      bool
	}{
		{"offline blocks everything", Link{}, "any", false},
		{"offline blocks wifi-only", Link{}, "wifi-only", false},
		{"online passes any", Link{Online: true}, "any", true},
		{"online passes unknown threshold", Link{Online: true}, "", true},
		{"cellular fails wifi-only", Link{Online: true, Wifi: false}, "wifi-only", false},
		{"wifi passes wifi-only", Link{Online: true, Wifi: true}, "wifi-only", true},
		{"slow link fails good-connection-only", Link{Online: true, Good: false}, "good-connection-only", false},
		{"fast link passes good-connection-only", Link{Online: true, Good: true}, "good-connection-only", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.SetLink(tt.link)
			assert.Equal(t, tt.want, m.Allows(tt.threshold))
		})
	}
}

func TestQualityString(t *testing.T) {
	assert.Equal(t, "offline", qualityString(Link{}))
	assert.Equal(t, "wifi", qualityString(Link{Online: true, Wifi: true, Good: true}))
	assert.Equal(t, "good", qualityString(Link{Online: true, Good: true}))
	assert.Equal(t, "degraded", qualityString(Link{Online: true}))
}

func TestMonitorStopTerminatesLoop(t *testing.T) {
	m, probe, _ := newTestMonitor(t)
	probe.set(Link{Online: true, Wifi: true, Good: true})

	m.Start()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	require.True(t, m.Online(), "last observed state survives Stop")
}
