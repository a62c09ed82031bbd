// Package scheduler drives the batch runner: one trigger at the daily anchor
// (09:30 local) plus an hourly safety sweep that re-runs only while the
// day's completion marker is absent. Both triggers funnel into
// BatchService.Run, which serializes overlapping invocations behind its
// bounded run lock, so a daily trigger and a sweep firing in the same minute
// can never double-send.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reminder-backend/internal/services"
	"github.com/tbourn/go-reminder-backend/internal/timeutil"
)

// Runner is the batch entry point the scheduler drives.
type Runner interface {
	Run(ctx context.Context, now time.Time, force bool) (*services.RunReport, error)
}

// Scheduler owns the daily and safety triggers.
type Scheduler struct {
	batch         Runner
	zone          *timeutil.Zone
	sweepInterval time.Duration
}

// New builds a Scheduler. sweepInterval is the safety cadence (hourly in
// production; shorter in tests).
func New(batch Runner, zone *timeutil.Zone, sweepInterval time.Duration) *Scheduler {
	return &Scheduler{batch: batch, zone: zone, sweepInterval: sweepInterval}
}

// Run blocks until ctx is cancelled, firing the batch at every daily anchor
// and on the safety cadence in between. A sweep that finds the day already
// marked is a cheap no-op inside BatchService.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.sweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	log.Info().
		Dur("sweep_interval", s.sweepInterval).
		Time("next_anchor", s.zone.NextAnchorAfter(s.zone.Now())).
		Msg("scheduler started")

	// Safety sweep catches a missed anchor immediately on start.
	s.tick(ctx)

	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	anchor := time.NewTimer(time.Until(s.zone.NextAnchorAfter(s.zone.Now())))
	defer anchor.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler shutting down")
			return nil
		case <-anchor.C:
			s.tick(ctx)
			anchor.Reset(time.Until(s.zone.NextAnchorAfter(s.zone.Now())))
		case <-sweep.C:
			s.tick(ctx)
		}
	}
}

// tick runs one batch pass, logging the outcome. A lock timeout means
// another pass is mid-flight and is not an error worth surfacing.
func (s *Scheduler) tick(ctx context.Context) {
	rep, err := s.batch.Run(ctx, s.zone.Now(), false)
	switch {
	case errors.Is(err, services.ErrRunInProgress):
		log.Debug().Msg("batch run already in progress, skipping")
	case err != nil:
		log.Error().Err(err).Msg("batch run failed")
	case rep.Skipped:
		log.Debug().Str("day", rep.DayKey).Msg("batch already sent for day")
	default:
		log.Info().
			Str("day", rep.DayKey).
			Int("due", rep.Due).
			Int("escalated", rep.Escalated).
			Int("auto_resolved", rep.AutoResolved).
			Bool("sent_operational", rep.SentOps).
			Bool("sent_escalation", rep.SentEsc).
			Msg("batch run complete")
	}
}
