package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
)

// reaper is the identity lease-expiry failures are audited under.
var reaper = access.ServiceIdentity{Name: "lease-reaper", Role: access.RoleService}

// ReapExpired fails every job whose queue lease lapsed on its last attempt.
// Jobs that already reached a terminal state are skipped. It returns the
// number of jobs failed.
func (o *Orchestrator) ReapExpired(ctx context.Context) (int, error) {
	var (
		failed int
		errs   error
	)
	for _, kind := range []Kind{KindExtraction, KindAnalysis} {
		expired, err := o.queue.Expired(ctx, kind.Topic())
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "drain %s", kind.Topic()))
			continue
		}
		for _, env := range expired {
			ok, err := o.failExpired(ctx, env.JobID, env.Attempt)
			if err != nil {
				errs = errors.CombineErrors(errs, err)
				continue
			}
			if ok {
				failed++
			}
		}
	}
	return failed, errs
}

func (o *Orchestrator) failExpired(ctx context.Context, id string, attempts int) (bool, error) {
	current, err := o.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Status.Terminal() {
		return false, nil
	}
	now := o.now().UTC()
	msg := fmt.Sprintf("worker lease expired after %d attempts", attempts)
	job, err := o.transition(ctx, current, []Status{StatusPending, StatusRunning}, Update{
		Status:          StatusFailed,
		CompletedAt:     &now,
		ErrorMessage:    &msg,
		DurationSeconds: duration(current, now),
		UpdatedAt:       now,
	})
	if errors.Is(err, ErrStaleState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cerr := o.queue.ClearProgress(ctx, job.ID); cerr != nil {
		o.logger.Warn("clear progress cache", zap.String("job_id", job.ID), zap.Error(cerr))
	}
	obs.LeaseExpiries.Inc()
	o.logger.Warn("job failed after lease expiry", zap.String("job_id", job.ID), zap.Int("attempts", attempts))
	o.record(ctx, reaper, job, string(job.Kind)+".status", map[string]any{
		"status":   string(job.Status),
		"from":     string(current.Status),
		"error":    msg,
		"attempts": attempts,
	})
	o.publish(job, job.Kind.updatedEvent())
	return true, nil
}

// RunReaper calls ReapExpired every interval until ctx is done.
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := o.ReapExpired(ctx); err != nil {
				o.logger.Warn("reap expired leases", zap.Error(err))
			}
		}
	}
}
