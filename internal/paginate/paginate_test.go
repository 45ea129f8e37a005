package paginate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"pgregory.net/rapid"

	"tradeops/internal/domain"
)

// scripted serves a fixed list of pages. Page i is returned for cursor
// "p<i>" (the first page for the empty cursor) and points at page i+1.
type scripted struct {
	pages  [][]string
	failAt int // fetch index that fails; -1 for never
	calls  []string
}

func newScripted(pages ...[]string) *scripted {
	return &scripted{pages: pages, failAt: -1}
}

func (s *scripted) fetch(_ context.Context, cursor string, _ int) (Page[string], error) {
	s.calls = append(s.calls, cursor)
	if len(s.calls)-1 == s.failAt {
		return Page[string]{}, errors.New("connection reset")
	}
	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor[1:])
		if err != nil {
			return Page[string]{}, err
		}
		idx = n
	}
	if idx >= len(s.pages) {
		return Page[string]{}, nil
	}
	next := ""
	if idx+1 < len(s.pages) {
		next = fmt.Sprintf("p%d", idx+1)
	}
	return Page[string]{Items: s.pages[idx], Next: next}, nil
}

func TestDrainStopsAfterEmptyPage(t *testing.T) {
	src := newScripted([]string{"A", "B"}, []string{"C"}, []string{})
	seq := Drain(context.Background(), src.fetch, 2, nil)

	got, err := Collect(seq)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []string{"A", "B", "C"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if seq.Fetches() != 3 {
		t.Errorf("Fetches() = %d, want 3", seq.Fetches())
	}
	if len(src.calls) != 3 {
		t.Errorf("fetch called %d times, want 3", len(src.calls))
	}
}

func TestDrainStopsOnEmptyCursor(t *testing.T) {
	src := newScripted([]string{"A"}, []string{"B"})
	seq := Drain(context.Background(), src.fetch, 1, nil)

	got, err := Collect(seq)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d items, want 2", len(got))
	}
	if seq.Fetches() != 2 {
		t.Errorf("Fetches() = %d, want 2", seq.Fetches())
	}
	if c := seq.Cursor(); c.Seen != 2 || c.Token != "" {
		t.Errorf("Cursor() = %+v, want {Token: Seen:2}", c)
	}
}

func TestDrainStopPredicate(t *testing.T) {
	src := newScripted([]string{"A", "B"}, []string{"C", "D"}, []string{"E"})
	seq := Drain(context.Background(), src.fetch, 2, func(item string) bool { return item == "C" })

	got, err := Collect(seq)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if fmt.Sprint(got) != "[A B]" {
		t.Errorf("items = %v, want [A B]", got)
	}
	if seq.Fetches() != 2 {
		t.Errorf("Fetches() = %d, want 2", seq.Fetches())
	}
}

func TestDrainConsumerBreak(t *testing.T) {
	src := newScripted([]string{"A", "B"}, []string{"C"})
	seq := Drain(context.Background(), src.fetch, 2, nil)

	for item := range seq.Items() {
		if item == "A" {
			break
		}
	}
	if seq.Fetches() != 1 {
		t.Errorf("Fetches() = %d, want 1", seq.Fetches())
	}
	if seq.Err() != nil {
		t.Errorf("Err() = %v, want nil", seq.Err())
	}
}

func TestDrainFetchErrorCarriesCursor(t *testing.T) {
	src := newScripted([]string{"A", "B"}, []string{"C"}, []string{"D"})
	src.failAt = 1
	seq := Drain(context.Background(), src.fetch, 2, nil)

	got, err := Collect(seq)
	if len(got) != 2 {
		t.Errorf("got %d items before failure, want 2", len(got))
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if fe.Cursor.Token != "p1" || fe.Cursor.Seen != 2 {
		t.Errorf("FetchError.Cursor = %+v, want {Token:p1 Seen:2}", fe.Cursor)
	}
	if !errors.Is(err, domain.ErrTransportFailure) {
		t.Errorf("error %v should classify as transport failure", err)
	}

	// Resume from the reported cursor with a healthy source.
	src.failAt = -1
	rest, err := Collect(Drain(context.Background(), src.fetch, 2, nil, Resume(fe.Cursor)))
	if err != nil {
		t.Fatalf("resumed Collect: %v", err)
	}
	if fmt.Sprint(rest) != "[C D]" {
		t.Errorf("resumed items = %v, want [C D]", rest)
	}
}

func TestDrainKeepsClassifiedError(t *testing.T) {
	fetch := func(context.Context, string, int) (Page[string], error) {
		return Page[string]{}, fmt.Errorf("operations: %w", domain.ErrNotFound)
	}
	_, err := Collect(Drain(context.Background(), fetch, 10, nil))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if errors.Is(err, domain.ErrTransportFailure) {
		t.Errorf("classified error must not be downgraded to transport failure: %v", err)
	}
}

func TestDrainCursorStalled(t *testing.T) {
	fetch := func(_ context.Context, cursor string, _ int) (Page[string], error) {
		return Page[string]{Items: []string{"x"}, Next: "same"}, nil
	}
	seq := Drain(context.Background(), fetch, 1, nil)
	_, err := Collect(seq)
	if !errors.Is(err, ErrCursorStalled) {
		t.Errorf("error = %v, want ErrCursorStalled", err)
	}
	if seq.Fetches() != 2 {
		t.Errorf("Fetches() = %d, want 2", seq.Fetches())
	}
}

func TestDrainNotRestartable(t *testing.T) {
	src := newScripted([]string{"A"})
	seq := Drain(context.Background(), src.fetch, 1, nil)

	if _, err := Collect(seq); err != nil {
		t.Fatalf("first Collect: %v", err)
	}
	again, err := Collect(seq)
	if !errors.Is(err, ErrConsumed) {
		t.Errorf("second Collect error = %v, want ErrConsumed", err)
	}
	if len(again) != 0 {
		t.Errorf("second Collect yielded %v", again)
	}
	if len(src.calls) != 1 {
		t.Errorf("fetch called %d times, want 1", len(src.calls))
	}
}

func TestDrainLazy(t *testing.T) {
	src := newScripted([]string{"A"})
	_ = Drain(context.Background(), src.fetch, 1, nil)
	if len(src.calls) != 0 {
		t.Errorf("Drain fetched %d pages before iteration", len(src.calls))
	}
}

func TestDrainCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := newScripted([]string{"A"})

	_, err := Collect(Drain(ctx, src.fetch, 1, nil))
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
	if len(src.calls) != 0 {
		t.Errorf("fetch called %d times on a cancelled context", len(src.calls))
	}
}

func TestDrainPreservesServerOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pages := rapid.SliceOfN(rapid.SliceOfN(rapid.IntRange(0, 50), 1, 5), 0, 6).Draw(t, "pages")

		var want []int
		for _, p := range pages {
			want = append(want, p...)
		}

		calls := 0
		fetch := func(_ context.Context, cursor string, _ int) (Page[int], error) {
			calls++
			idx := 0
			if cursor != "" {
				idx, _ = strconv.Atoi(cursor)
			}
			if idx >= len(pages) {
				return Page[int]{}, nil
			}
			return Page[int]{Items: pages[idx], Next: strconv.Itoa(idx + 1)}, nil
		}

		got, err := Collect(Drain(context.Background(), fetch, 5, nil))
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("items = %v, want %v", got, want)
		}
		if calls != len(pages)+1 {
			t.Fatalf("fetch calls = %d, want %d", calls, len(pages)+1)
		}
	})
}
