package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"concursohub/internal/cache"
	"concursohub/internal/domain"
	"concursohub/internal/events"
	"concursohub/internal/status"
)

// RefreshJobName identifies the refresh job's advisory lock.
const RefreshJobName = "refresh_status"

// RefreshResult summarizes one run of the status refresh job.
type RefreshResult struct {
	Scanned  int              `json:"scanned"`
	Updated  int              `json:"updated"`
	Failed   int              `json:"failed"`
	Changes  []StatusChange   `json:"changes,omitempty"`
	Failures []RefreshFailure `json:"failures,omitempty"`
}

type StatusChange struct {
	ID   string        `json:"id"`
	Slug string        `json:"slug"`
	From domain.Status `json:"from"`
	To   domain.Status `json:"to"`
}

type RefreshFailure struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Error string `json:"error"`
}

// RefreshStatuses re-derives the status of every non-closed contest and persists
// the ones that changed. Concurrent calls in this process share one run; a run
// held by another process yields ErrJobRunning. The run is bounded by the lock
// TTL and outlives the cancellation of whichever caller started it.
func (e Engine) RefreshStatuses(ctx context.Context, actorID string) (RefreshResult, error) {
	if e.refresh == nil {
		jobCtx, cancel := e.jobContext(ctx)
		defer cancel()
		return e.runRefresh(jobCtx, actorID)
	}
	v, err, shared := e.refresh.Do(RefreshJobName, func() (any, error) {
		jobCtx, cancel := e.jobContext(ctx)
		defer cancel()
		return e.runRefresh(jobCtx, actorID)
	})
	if shared {
		e.logger().Debug("refresh joined in-flight run")
	}
	res, _ := v.(RefreshResult)
	return res, err
}

func (e Engine) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ttl := e.config().LockTTL()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return context.WithTimeout(context.WithoutCancel(ctx), ttl)
}

func (e Engine) runRefresh(ctx context.Context, actorID string) (res RefreshResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.RefreshStatuses")
	defer func() {
		span.SetAttributes(
			attribute.Int("refresh.scanned", res.Scanned),
			attribute.Int("refresh.updated", res.Updated),
			attribute.Int("refresh.failed", res.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	owner := e.newID()
	held, err := e.Store.AcquireJobLock(ctx, RefreshJobName, owner, e.config().LockTTL())
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return res, fmt.Errorf("%w: held by %s until %s", ErrJobRunning, held.OwnerID, held.ExpiresAt)
		}
		return res, fmt.Errorf("acquire job lock: %w", err)
	}
	defer func() {
		if relErr := e.Store.ReleaseJobLock(context.WithoutCancel(ctx), RefreshJobName, owner); relErr != nil {
			e.logger().Warn("release job lock", zap.Error(relErr))
		}
	}()

	contests, err := e.Store.ListNonTerminalContests(ctx)
	if err != nil {
		return res, fmt.Errorf("list contests: %w", err)
	}
	now := e.today()
	var (
		slugs []string
		errs  []error
	)
	for _, c := range contests {
		if status.IsTerminal(c.Status) {
			continue
		}
		res.Scanned++
		next := status.Of(c, now)
		if next == c.Status {
			continue
		}
		if err := e.Store.UpdateContestStatus(ctx, c.ID, next); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, RefreshFailure{ID: c.ID, Slug: c.Slug, Error: err.Error()})
			errs = append(errs, fmt.Errorf("contest %s: %w", c.ID, err))
			continue
		}
		res.Updated++
		res.Changes = append(res.Changes, StatusChange{ID: c.ID, Slug: c.Slug, From: c.Status, To: next})
		slugs = append(slugs, c.Slug)
		if err := e.appendEvent(ctx, events.ContestStatusRefresh, events.EntityContest, c.ID, actorID, events.Payload{
			"from": c.Status,
			"to":   next,
		}); err != nil {
			e.logger().Warn("record status change", zap.String("id", c.ID), zap.Error(err))
		}
	}
	if res.Updated > 0 {
		e.invalidate(ctx, cache.ContestPaths(slugs...))
	}
	if err := e.appendEvent(ctx, events.RefreshJobCompleted, events.EntityJob, RefreshJobName, actorID, events.Payload{
		"scanned": res.Scanned,
		"updated": res.Updated,
		"failed":  res.Failed,
	}); err != nil {
		e.logger().Warn("record refresh run", zap.Error(err))
	}
	if len(errs) > 0 {
		e.logger().Warn("refresh finished with failures", zap.Int("failed", res.Failed), zap.Error(errors.Join(errs...)))
	}
	e.logger().Info("status refresh finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (e Engine) appendEvent(ctx context.Context, evtType, kind, id, actorID string, payload events.Payload) error {
	evt, err := e.eventWriter().Build(evtType, kind, id, actorID, payload)
	if err != nil {
		return err
	}
	return e.Store.AppendEvent(ctx, evt)
}
