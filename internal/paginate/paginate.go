// Package paginate walks cursor-paginated collections to completion while
// preserving the order in which the server returns items.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"tradeops/internal/domain"
)

// Page is one response of a cursor-paginated endpoint. An empty Next means
// the server has no further pages.
type Page[T any] struct {
	Items []T
	Next  string
}

// Cursor is the position reached by a drain: the opaque token to send on the
// next fetch and the number of items seen so far. The zero Cursor means
// "start from the beginning".
type Cursor struct {
	Token string
	Seen  int
}

// FetchFunc requests the page that starts at cursor.
type FetchFunc[T any] func(ctx context.Context, cursor string, pageSize int) (Page[T], error)

// StopFunc returns true to end the drain before item is yielded.
type StopFunc[T any] func(item T) bool

var (
	// ErrConsumed is reported when a Sequence is ranged over a second time.
	ErrConsumed = errors.New("paginate: sequence already consumed")

	// ErrCursorStalled is reported when the server hands back the cursor it
	// was just given together with items, which would loop forever.
	ErrCursorStalled = errors.New("paginate: cursor did not advance")
)

// FetchError is returned when a page fetch fails. Cursor is the position
// reached before the failed fetch and can be passed to Resume.
type FetchError struct {
	Cursor Cursor
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching page at cursor %q (after %d items): %v", e.Cursor.Token, e.Cursor.Seen, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Option configures a Sequence.
type Option func(*options)

type options struct {
	log   *slog.Logger
	start Cursor
}

// WithLogger sets the logger used for per-page debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Resume starts the drain at a previously reached cursor instead of the
// beginning.
func Resume(c Cursor) Option {
	return func(o *options) { o.start = c }
}

// Sequence is a lazy, finite, non-restartable sequence of items produced by
// Drain. Range over Items, then check Err.
type Sequence[T any] struct {
	ctx      context.Context
	fetch    FetchFunc[T]
	pageSize int
	stop     StopFunc[T]
	log      *slog.Logger

	cursor   Cursor
	fetches  int
	consumed bool
	err      error
}

// Drain returns a Sequence that calls fetch repeatedly, advancing the cursor
// from each response, until the server returns an empty page, the returned
// cursor is empty, or stop reports true for an item. stop may be nil. No
// fetch happens until Items is ranged over.
func Drain[T any](ctx context.Context, fetch FetchFunc[T], pageSize int, stop StopFunc[T], opts ...Option) *Sequence[T] {
	o := options{log: slog.Default().With("component", "paginate")}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sequence[T]{
		ctx:      ctx,
		fetch:    fetch,
		pageSize: pageSize,
		stop:     stop,
		log:      o.log,
		cursor:   o.start,
	}
}

// Items yields the drained items in server order. Only the current page is
// held in memory. Breaking out of the loop stops fetching.
func (s *Sequence[T]) Items() iter.Seq[T] {
	return func(yield func(T) bool) {
		if s.consumed {
			s.err = ErrConsumed
			return
		}
		s.consumed = true

		for {
			if err := s.ctx.Err(); err != nil {
				s.err = &FetchError{Cursor: s.cursor, Err: fmt.Errorf("%w: %w", domain.ErrCancelled, err)}
				return
			}

			page, err := s.fetch(s.ctx, s.cursor.Token, s.pageSize)
			s.fetches++
			if err != nil {
				s.err = &FetchError{Cursor: s.cursor, Err: classify(err)}
				return
			}
			s.log.Debug("fetched page", "cursor", s.cursor.Token, "items", len(page.Items), "next", page.Next)

			if len(page.Items) == 0 {
				return
			}
			if page.Next != "" && page.Next == s.cursor.Token {
				s.err = &FetchError{Cursor: s.cursor, Err: ErrCursorStalled}
				return
			}

			for _, item := range page.Items {
				if s.stop != nil && s.stop(item) {
					return
				}
				s.cursor.Seen++
				if !yield(item) {
					return
				}
			}

			s.cursor.Token = page.Next
			if page.Next == "" {
				return
			}
		}
	}
}

// Err returns the error that ended the drain, if any.
func (s *Sequence[T]) Err() error { return s.err }

// Cursor returns the position reached so far.
func (s *Sequence[T]) Cursor() Cursor { return s.cursor }

// Fetches returns the number of fetch calls issued.
func (s *Sequence[T]) Fetches() int { return s.fetches }

// Collect drains s into a slice. On error the items gathered before the
// failure are returned together with the error.
func Collect[T any](s *Sequence[T]) ([]T, error) {
	var out []T
	for item := range s.Items() {
		out = append(out, item)
	}
	return out, s.Err()
}

// classify keeps classified gateway errors and marks everything else as a
// transport failure.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrTransportFailure),
		errors.Is(err, domain.ErrRejectedByVenue),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrCancelled):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
}
