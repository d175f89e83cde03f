package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/estatedesk/billing/internal/config"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Scheduler triggers the sweeps on their cron specs.
type Scheduler struct {
	sweeper *Sweeper
	specs   map[string]string

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New builds a Scheduler from the configured specs. Empty specs disable the
// matching sweep.
func New(sweeper *Sweeper, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		sweeper: sweeper,
		specs: map[string]string{
			SweepExpire:    cfg.Expire,
			SweepRenewals:  cfg.Renewals,
			SweepReminders: cfg.Reminders,
			SweepReport:    cfg.Report,
		},
	}
}

// Start registers the sweeps and starts the cron loop. Jobs run with a
// context derived from ctx and stop being scheduled after Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	c := cron.New(cron.WithLogger(cronLogger{}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{})))
	jobCtx, cancel := context.WithCancel(ctx)
	for _, name := range SweepNames {
		spec := s.specs[name]
		if spec == "" {
			log.Infof("scheduler: %s sweep disabled", name)
			continue
		}
		sweep := name
		if _, errAdd := c.AddFunc(spec, func() { s.runJob(jobCtx, sweep) }); errAdd != nil {
			cancel()
			return fmt.Errorf("schedule %s sweep %q: %w", name, spec, errAdd)
		}
		log.Infof("scheduler: %s sweep scheduled at %q", name, spec)
	}
	c.Start()
	s.cron = c
	s.ctx = jobCtx
	s.cancel = cancel
	s.running = true
	return nil
}

// Stop halts scheduling and waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	cancel()
}

// RunOnce executes one sweep immediately.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	return s.sweeper.Run(ctx, name)
}

func (s *Scheduler) runJob(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}
	if _, errRun := s.sweeper.Run(ctx, name); errRun != nil {
		if errors.Is(errRun, ErrLocked) {
			log.WithField("sweep", name).Info("sweep skipped; another run holds the lock")
			return
		}
		log.WithError(errRun).WithField("sweep", name).Warn("scheduled sweep failed")
	}
}

// cronLogger routes cron's own messages to logrus.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []any) log.Fields {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
