// Package housekeeping runs background maintenance on a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"socoto.app/internal/obs"
)

// SessionPurger is the part of the account service the purge job drives.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// PurgeJob deletes sessions whose refresh window closed more than
// retention ago. It implements cron.Job.
type PurgeJob struct {
	purger    SessionPurger
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
}

func NewPurgeJob(purger SessionPurger, retention time.Duration) *PurgeJob {
	if retention < 0 {
		retention = 0
	}
	return &PurgeJob{purger: purger, retention: retention, timeout: time.Minute, now: time.Now}
}

// Run performs one purge pass.
func (j *PurgeJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.RunOnce(ctx); err != nil {
		obs.Logger().WithError(err).Error("session purge failed")
	}
}

// RunOnce purges and reports how many sessions were removed.
func (j *PurgeJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	n, err := j.purger.PurgeExpiredSessions(ctx, cutoff)
	if err != nil {
		obs.AuthEvent("session_purge", "error")
		return 0, err
	}
	obs.AuthEvent("session_purge", "ok")
	obs.Logger().WithFields(logrus.Fields{
		"purged": n,
		"cutoff": cutoff.Format(time.RFC3339),
	}).Info("session purge complete")
	return n, nil
}

// Start schedules job and starts the scheduler. Callers stop it with Stop().
func Start(schedule string, job cron.Job) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddJob(schedule, job); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
