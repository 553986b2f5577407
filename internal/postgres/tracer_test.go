package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/spinwatch/internal/dedup/pgstore.(*Store).Save", "(*Store).Save"},
		{"already short", "(*Store).Load", "Load"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Load", "(*Store).Load"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOperationName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"SELECT payload::text FROM dedup_state":  "SELECT",
		"\n\t insert into dedup_state VALUES ($1)": "INSERT",
		"":    "UNKNOWN",
		"   ": "UNKNOWN",
	}
	for in, want := range tests {
		if got := operationName(in); got != want {
			t.Errorf("operationName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithStore(t *testing.T) {
	t.Parallel()

	if got := storeFromContext(context.Background()); got != "unknown" {
		t.Errorf("empty context store = %q, want unknown", got)
	}
	if got := storeFromContext(WithStore(context.Background(), "")); got != "unknown" {
		t.Errorf("blank store = %q, want unknown", got)
	}
	if got := storeFromContext(WithStore(context.Background(), "ingestion")); got != "ingestion" {
		t.Errorf("store = %q, want ingestion", got)
	}
}

type recordingTracer struct {
	starts, ends int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(context.Context, *pgx.Conn, pgx.TraceQueryEndData) {
	r.ends++
}

type observation struct {
	store, op, outcome string
}

// The observer is process-global, so the tests touching it do not run in parallel.
func TestLoggingTracer_ObservesQueries(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []observation
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, store, op, outcome string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, observation{store, op, outcome})
	}))
	t.Cleanup(func() { SetQueryObserver(nil) })

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)
	ctx := WithStore(context.Background(), "records")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "INSERT INTO dedup_state"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner tracer starts=%d ends=%d, want 2/2", inner.starts, inner.ends)
	}
	want := []observation{
		{"records", "SELECT", "ok"},
		{"records", "INSERT", "error"},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("observations = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observation[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestWrapQueryTracer_NilInner(t *testing.T) {
	tr := wrapQueryTracer(nil)
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
}
