// Package jobs tracks long-running venue jobs such as report generation.
// A job is submitted at most once per deterministic key, with the task id
// persisted in a store.JobKeyStore so that reruns reuse it, and then polled
// until its result is retrievable.
//
// Two processes racing to submit the same key are not serialized here;
// callers needing single-writer semantics must serialize submissions for a
// key themselves.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tradeops/internal/broker"
	"tradeops/internal/domain"
	"tradeops/internal/paginate"
	"tradeops/internal/store"
)

// ErrNotPersisted is returned together with a valid task id when the venue
// accepted a submission but the task id could not be stored. A rerun with
// the same key will submit again.
var ErrNotPersisted = errors.New("task id not persisted")

// Key identifies a job by what it computes. Identical inputs always yield
// the same String form.
type Key struct {
	Kind    string
	Account string
	From    time.Time
	To      time.Time
}

// String renders the key as <kind>:<account>[<from>-<to>] with RFC 3339 UTC
// timestamps.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s[%s-%s]", k.Kind, k.Account,
		k.From.UTC().Format(time.RFC3339), k.To.UTC().Format(time.RFC3339))
}

// KeyFor derives the job key of a report request.
func KeyFor(req domain.ReportRequest) Key {
	return Key{Kind: string(req.Kind), Account: req.Account, From: req.From, To: req.To}
}

// Job is the result of SubmitOrReuse.
type Job struct {
	Key    string
	TaskID string
	Reused bool // true when the task id came from the store
}

// SubmitFunc starts the job at the venue and returns its task id.
type SubmitFunc func(ctx context.Context) (string, error)

// Tracker submits and awaits report jobs. It is safe for concurrent use on
// different keys.
type Tracker struct {
	store   store.JobKeyStore
	gateway broker.ReportGateway
	log     *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l.With("component", "jobs") }
}

// NewTracker creates a Tracker persisting task ids in st and polling
// gateway.
func NewTracker(st store.JobKeyStore, gateway broker.ReportGateway, opts ...Option) *Tracker {
	t := &Tracker{
		store:   st,
		gateway: gateway,
		log:     slog.Default().With("component", "jobs"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SubmitOrReuse returns the task id stored under key without calling
// submit, or calls submit once and stores its task id under key. A store
// read failure aborts without submitting.
func (t *Tracker) SubmitOrReuse(ctx context.Context, key Key, submit SubmitFunc) (Job, error) {
	k := key.String()
	job := Job{Key: k}

	id, ok, err := t.store.Get(ctx, k)
	if err != nil {
		return job, fmt.Errorf("looking up job %s: %w", k, err)
	}
	if ok {
		job.TaskID, job.Reused = id, true
		t.log.Info("reusing submitted job", "key", k, "task", id)
		return job, nil
	}

	id, err = submit(ctx)
	if err != nil {
		return job, fmt.Errorf("submitting job %s: %w", k, err)
	}
	if id == "" {
		return job, fmt.Errorf("submitting job %s: venue returned no task id: %w", k, domain.ErrJobFailed)
	}
	job.TaskID = id
	t.log.Info("job submitted", "key", k, "task", id)

	if err := t.store.Put(ctx, k, id); err != nil {
		t.log.Error("storing task id", "key", k, "task", id, "error", err)
		return job, fmt.Errorf("job %s task %s: %w: %w", k, id, ErrNotPersisted, err)
	}
	return job, nil
}

// AwaitReady polls the first result page of taskID until the venue reports
// it ready or failed, at most maxAttempts times and pollInterval apart. The
// first attempt is immediate. Transport failures consume an attempt and are
// retried; other gateway errors are returned at once. Exhausting the
// attempts fails with domain.ErrJobTimeout, a venue failure with
// domain.ErrJobFailed and a done ctx with domain.ErrCancelled.
func (t *Tracker) AwaitReady(ctx context.Context, taskID string, pollInterval time.Duration, maxAttempts int) (domain.ReportPage, error) {
	if maxAttempts < 1 {
		return domain.ReportPage{}, fmt.Errorf("await %s: max attempts %d: %w", taskID, maxAttempts, domain.ErrInvalidRequest)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, pollInterval); err != nil {
				return domain.ReportPage{}, fmt.Errorf("await %s: %w: %w", taskID, domain.ErrCancelled, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return domain.ReportPage{}, fmt.Errorf("await %s: %w: %w", taskID, domain.ErrCancelled, err)
		}

		page, err := t.gateway.GetReportPage(ctx, taskID, 0)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.ReportPage{}, fmt.Errorf("await %s: %w: %w", taskID, domain.ErrCancelled, ctxErr)
			}
			if !domain.IsRetriable(err) {
				return domain.ReportPage{}, fmt.Errorf("await %s: %w", taskID, err)
			}
			lastErr = err
			t.log.Warn("poll failed", "task", taskID, "attempt", attempt, "error", err)
			continue
		}

		t.log.Debug("polled job", "task", taskID, "attempt", attempt, "status", page.Status)
		switch page.Status {
		case domain.JobReady:
			t.log.Info("job ready", "task", taskID, "attempts", attempt, "pages", page.PageCount)
			return page, nil
		case domain.JobFailed:
			return domain.ReportPage{}, fmt.Errorf("await %s: %w", taskID, domain.ErrJobFailed)
		}
	}

	if lastErr != nil {
		return domain.ReportPage{}, fmt.Errorf("await %s: %w after %d attempts: %w", taskID, domain.ErrJobTimeout, maxAttempts, lastErr)
	}
	return domain.ReportPage{}, fmt.Errorf("await %s: %w after %d attempts", taskID, domain.ErrJobTimeout, maxAttempts)
}

// Report submits req (or reuses its stored task) and waits until the report
// is ready, returning the first page.
func (t *Tracker) Report(ctx context.Context, req domain.ReportRequest, pollInterval time.Duration, maxAttempts int) (Job, domain.ReportPage, error) {
	job, err := t.SubmitOrReuse(ctx, KeyFor(req), func(ctx context.Context) (string, error) {
		return t.gateway.SubmitReportJob(ctx, req)
	})
	if err != nil {
		return job, domain.ReportPage{}, err
	}
	page, err := t.AwaitReady(ctx, job.TaskID, pollInterval, maxAttempts)
	return job, page, err
}

// Rows returns a FetchFunc over the rows of a ready report. The cursor is
// the page index; pageSize is ignored because the venue fixes the page
// size.
func (t *Tracker) Rows(taskID string) paginate.FetchFunc[domain.ReportRow] {
	return func(ctx context.Context, cursor string, _ int) (paginate.Page[domain.ReportRow], error) {
		page := 0
		if cursor != "" {
			n, err := strconv.Atoi(cursor)
			if err != nil {
				return paginate.Page[domain.ReportRow]{}, fmt.Errorf("report cursor %q: %w", cursor, domain.ErrInvalidRequest)
			}
			page = n
		}
		p, err := t.gateway.GetReportPage(ctx, taskID, page)
		if err != nil {
			return paginate.Page[domain.ReportRow]{}, err
		}
		if p.Status != domain.JobReady {
			return paginate.Page[domain.ReportRow]{}, fmt.Errorf("report %s page %d is %s: %w", taskID, page, p.Status, domain.ErrInvalidState)
		}
		out := paginate.Page[domain.ReportRow]{Items: p.Rows}
		if page+1 < p.PageCount {
			out.Next = strconv.Itoa(page + 1)
		}
		return out, nil
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
