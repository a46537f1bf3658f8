package sync

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"fieldsync/internal/config"
	"fieldsync/internal/logger"
)

// Scheduler fires interval sync triggers. It owns its timer handle and is
// torn down explicitly on shutdown.
type Scheduler struct {
	cfg    config.SyncConfig
	engine *Engine
	cron   *cron.Cron
}

func NewScheduler(cfg config.SyncConfig, engine *Engine) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if s.cfg.IntervalMs <= 0 {
		logger.Log.Info("Interval sync disabled")
		return nil
	}

	spec := fmt.Sprintf("@every %s", s.cfg.Interval())
	logger.Log.Info("Starting sync scheduler", zap.String("interval", s.cfg.Interval().String()))

	if _, err := s.cron.AddFunc(spec, func() {
		if !s.engine.Trigger(TriggerInterval) {
			logger.Log.Debug("Scheduled sync skipped")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped sync scheduler")
}
