package session

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor periodically deletes sessions that have not been touched within
// MaxAge. It is an external-store concern: the kernel never expires
// sessions on its own, and the janitor is disabled unless started.
type Janitor struct {
	store    Store
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
}

// NewJanitor creates a janitor over the given store. schedule is a
// standard cron expression; maxAge is the idle cutoff.
func NewJanitor(store Store, schedule string, maxAge time.Duration) *Janitor {
	return &Janitor{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start begins the cleanup schedule
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		j.sweep(context.Background())
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	log.Info().Str("schedule", j.schedule).Dur("max_age", j.maxAge).Msg("Session janitor started")

	return nil
}

// Stop halts the cleanup schedule, waiting for an in-flight sweep
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep(ctx context.Context) {
	ids, err := j.store.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Janitor failed to list sessions")
		return
	}

	cutoff := time.Now().Add(-j.maxAge)
	removed := 0

	for _, id := range ids {
		state, err := j.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if state.UpdatedAt.Before(cutoff) {
			if err := j.store.Delete(ctx, id); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Stale sessions removed")
	}
}
