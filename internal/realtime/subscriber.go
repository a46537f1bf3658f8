package realtime

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/config"
	"fieldsync/internal/event"
	"fieldsync/internal/logger"
	"fieldsync/internal/sync"
)

// Conn is one live change-stream connection.
type Conn interface {
	ReadEvent() (sync.ChangeEvent, error)
	Ping() error
	Close() error
}

// Dialer opens a change-stream connection for one collection. Production
// uses the websocket dialer; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, collection string) (Conn, error)
}

// Applier consumes inbound events. The conflict resolver implements it.
type Applier interface {
	Apply(ctx context.Context, ev sync.ChangeEvent) (bool, error)
}

// Subscription states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

// Subscriber maintains one logical change-stream subscription per remote
// collection, reconnecting with backoff until the configured attempt limit
// is reached, after which an explicit Restart is required.
type Subscriber struct {
	collection string
	cfg        config.RealtimeConfig
	dialer     Dialer
	applier    Applier
	buffer     *ReplayBuffer
	bus        *event.Bus

	mu       gosync.Mutex
	state    string
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSubscriber(cfg config.RealtimeConfig, collection string, dialer Dialer, applier Applier, bus *event.Bus) *Subscriber {
	return &Subscriber{
		collection: collection,
		cfg:        cfg,
		dialer:     dialer,
		applier:    applier,
		buffer:     NewReplayBuffer(cfg.BufferCapacity),
		bus:        bus,
		state:      StateDisconnected,
	}
}

func (s *Subscriber) Collection() string { return s.collection }

func (s *Subscriber) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EventsSince serves catch-up reads from the replay buffer.
func (s *Subscriber) EventsSince(t time.Time) []sync.ChangeEvent {
	return s.buffer.Since(t)
}

// Start begins the subscription loop. Calling Start while running is a
// no-op.
func (s *Subscriber) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.attempts = 0

	go s.loop(ctx)
}

// Stop tears the subscription down, cancelling any pending backoff timer.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Restart clears the terminal disconnected state after the attempt limit
// was reached and begins connecting again.
func (s *Subscriber) Restart() {
	s.Stop()
	s.Start()
}

func (s *Subscriber) setState(state string, attempt int) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.bus.Publish(event.SubscriptionState{Collection: s.collection, State: state, Attempt: attempt})
}

func (s *Subscriber) loop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	for {
		s.setState(StateConnecting, s.attempts)

		conn, err := s.dialer.Dial(ctx, s.collection)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected, s.attempts)
				return
			}
			if !s.backoff(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.setState(StateConnected, 0)

		logger.Log.Info("Change stream connected", zap.String("collection", s.collection))

		err = s.consume(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			s.setState(StateDisconnected, s.attempts)
			return
		}

		logger.Log.Warn("Change stream closed",
			zap.String("collection", s.collection),
			zap.Error(err),
		)

		s.setState(StateReconnecting, s.attempts)
		if !s.backoff(ctx) {
			return
		}
	}
}

// backoff sleeps before the next attempt, scaling linearly with the
// attempt count up to the cap. Returns false when the attempt limit is
// exhausted or the context was cancelled.
func (s *Subscriber) backoff(ctx context.Context) bool {
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	if attempts > s.cfg.ReconnectMaxAttempts {
		logger.Log.Error("Change stream gave up",
			zap.String("collection", s.collection),
			zap.Int("attempts", attempts-1),
		)
		s.setState(StateDisconnected, attempts-1)
		s.bus.Publish(event.SubscriptionGaveUp{Collection: s.collection, Attempts: attempts - 1})
		return false
	}

	timer := time.NewTimer(backoffDelay(attempts, s.cfg))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.setState(StateDisconnected, attempts)
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay grows linearly with the attempt count, capped at the
// configured maximum.
func backoffDelay(attempt int, cfg config.RealtimeConfig) time.Duration {
	d := time.Duration(attempt) * cfg.ReconnectBase()
	if max := cfg.ReconnectMax(); d > max {
		d = max
	}
	return d
}

func (s *Subscriber) consume(ctx context.Context, conn Conn) error {
	events := make(chan sync.ChangeEvent)
	readErr := make(chan error, 1)

	go func() {
		for {
			ev, err := conn.ReadEvent()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.cfg.Heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-heartbeat.C:
			if err := conn.Ping(); err != nil {
				return err
			}
			s.bus.Publish(event.Heartbeat{Collection: s.collection, At: time.Now()})

		case ev := <-events:
			if ev.ObservedAt.IsZero() {
				ev.ObservedAt = time.Now().UTC()
			}
			applied, err := s.applier.Apply(ctx, ev)
			if err != nil {
				logger.Log.Error("Failed to apply change event",
					zap.String("event", ev.String()),
					zap.Error(err),
				)
				continue
			}
			if applied {
				s.buffer.Add(ev)
			}
		}
	}
}
