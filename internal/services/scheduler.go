package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/discovery"
	"github.com/beacon-iot/edgegate/internal/logger"
)

// SchedulerDeps are the long-lived objects the background jobs drive. Nil members disable their jobs.
type SchedulerDeps struct {
	Pool   *discovery.Pool
	Store  *PolicyStore
	Sync   *PolicySyncService
	Ledger *LedgerService
	Audit  *AuditService
}

// SchedulerOptions sets job cadence. A zero interval disables that job.
type SchedulerOptions struct {
	SyncInterval      time.Duration
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	DiscoveryDomains  []string
}

// Scheduler owns every background task: the health sweep and audit forwarding loops,
// plus cron jobs for sync, expiry cleanup and heartbeats. Stop waits for all of them.
type Scheduler struct {
	deps SchedulerDeps
	opts SchedulerOptions
	cron *cron.Cron
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds an idle scheduler.
func NewScheduler(deps SchedulerDeps, opts SchedulerOptions) *Scheduler {
	cl := cron.PrintfLogger(logger.Logger())
	return &Scheduler{
		deps: deps,
		opts: opts,
		cron: cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:  logger.Component("scheduler"),
	}
}

// Start launches the loops and jobs. The first sync runs right away, after registration.
func (s *Scheduler) Start(parent context.Context) error {
	s.ctx, s.cancel = context.WithCancel(parent)

	if s.deps.Sync != nil && s.opts.SyncInterval > 0 {
		if err := s.every(s.opts.SyncInterval, s.syncJob); err != nil {
			return err
		}
	}
	if s.deps.Store != nil && s.opts.CleanupInterval > 0 {
		if err := s.every(s.opts.CleanupInterval, s.cleanupJob); err != nil {
			return err
		}
	}
	if s.deps.Ledger != nil && s.opts.HeartbeatInterval > 0 {
		if err := s.every(s.opts.HeartbeatInterval, s.heartbeatJob); err != nil {
			return err
		}
	}

	if s.deps.Pool != nil {
		s.goLoop(func(ctx context.Context) { s.deps.Pool.Run(ctx, s.opts.DiscoveryDomains) })
	}
	if s.deps.Audit != nil {
		s.goLoop(s.deps.Audit.Run)
	}
	s.goLoop(func(context.Context) {
		s.heartbeatJob()
		s.syncJob()
	})

	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("Scheduler started")
	return nil
}

// Stop cancels the loops, waits for running jobs to return and for every loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) every(d time.Duration, job func()) error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", d), job); err != nil {
		return fmt.Errorf("schedule job every %s: %w", d, err)
	}
	return nil
}

func (s *Scheduler) goLoop(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("panic", r).Error("Background loop panicked")
			}
		}()
		fn(s.ctx)
	}()
}

func (s *Scheduler) syncJob() {
	if s.deps.Sync == nil || s.ctx.Err() != nil {
		return
	}
	if _, err := s.deps.Sync.SyncPolicies(s.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		s.log.WithError(err).Warn("Scheduled policy sync failed")
	}
}

func (s *Scheduler) cleanupJob() {
	if s.ctx.Err() != nil {
		return
	}
	n, err := s.deps.Store.CleanupExpired()
	if err != nil {
		s.log.WithError(err).Warn("Expired policy cleanup failed")
		return
	}
	if n > 0 {
		s.log.WithField("removed", n).Info("Removed expired policies")
	}
}

// heartbeatJob registers first when needed, so a ledger that was down at boot is joined later.
func (s *Scheduler) heartbeatJob() {
	if s.deps.Ledger == nil || s.ctx.Err() != nil {
		return
	}
	if !s.deps.Ledger.Registered() {
		_ = s.deps.Ledger.RegisterGateway(s.ctx)
		return
	}
	_ = s.deps.Ledger.Heartbeat(s.ctx)
}
