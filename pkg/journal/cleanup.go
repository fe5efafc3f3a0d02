package journal

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long terminal agents are kept before pruning.
const DefaultRetention = 30 * 24 * time.Hour

// Cleanup prunes old terminal agent rows on a schedule.
type Cleanup struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
}

// NewCleanup creates a cleanup job over the store. A non-positive retention
// falls back to DefaultRetention.
func NewCleanup(store *Store, retention time.Duration) *Cleanup {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cleanup{
		store:     store,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules a daily prune and runs the scheduler.
func (c *Cleanup) Start() error {
	if _, err := c.cron.AddFunc("@daily", c.RunOnce); err != nil {
		return err
	}
	c.cron.Start()

	log.Info().Dur("retention", c.retention).Msg("Journal cleanup scheduled")
	return nil
}

// Stop halts the scheduler, waiting for an in-flight prune.
func (c *Cleanup) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// RunOnce prunes terminal agents older than the retention window.
func (c *Cleanup) RunOnce() {
	cutoff := time.Now().Add(-c.retention)
	count, err := c.store.DeleteTerminalBefore(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Journal cleanup failed")
		return
	}
	if count > 0 {
		log.Info().Int("count", count).Time("cutoff", cutoff).Msg("Pruned terminal agents")
	}
}
