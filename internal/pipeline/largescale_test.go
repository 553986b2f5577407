package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/dedup/memstore"
	"github.com/linnemanlabs/spinwatch/internal/delivery"
)

type fakeLargeSource struct {
	records []json.RawMessage
	err     error
}

func (f *fakeLargeSource) FetchLargeScale(context.Context) ([]json.RawMessage, error) {
	return f.records, f.err
}

func (fx *fixture) largeScale(src LargeScaleSource, store *dedup.RecordList, hooks Hooks) *LargeScale {
	return NewLargeScale(LargeScaleDeps{
		Source:    src,
		Store:     store,
		Regions:   fx.index,
		Router:    fx.router,
		Formatter: fx.fmt,
		Engine:    fx.engine,
		Maps:      fx.maps,
		Logger:    log.Nop(),
		Hooks:     hooks,
	})
}

const kranjRecord = `{"obcinaNaziv":"Kranj","besediloList":[{"besedilo":"Poplave ob Savi.","datum":"2024-10-04T09:00:00"}]}`

func TestLargeScale_ThreeDeliveries(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	src := &fakeLargeSource{records: []json.RawMessage{json.RawMessage(kranjRecord)}}
	store := dedup.NewRecordList(memstore.New(), "records", log.Nop())

	report := fx.largeScale(src, store, Hooks{}).Run(context.Background())

	// GORENJSKA, Večji obseg, main thread
	if got, want := fx.sender.threads(), []int64{18, 1404, 0}; !equalInts(got, want) {
		t.Fatalf("threads = %v, want %v", got, want)
	}
	for _, s := range fx.sender.sent {
		if !s.photo {
			t.Errorf("thread %d got text only, want outline map", s.thread)
		}
	}
	if fx.maps.polygons != 1 {
		t.Errorf("polygon renders = %d, want 1", fx.maps.polygons)
	}
	if report.New != 1 || !store.Contains(json.RawMessage(kranjRecord)) {
		t.Errorf("record not delivered and stored: %+v", report)
	}
}

func TestLargeScale_StructurallyEqualRecordIsSkipped(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	store := dedup.NewRecordList(memstore.New(), "records", log.Nop())
	fx.largeScale(&fakeLargeSource{records: []json.RawMessage{json.RawMessage(kranjRecord)}}, store, Hooks{}).Run(context.Background())
	sent := len(fx.sender.threads())

	reordered := `{ "besediloList": [{"datum":"2024-10-04T09:00:00","besedilo":"Poplave ob Savi."}], "obcinaNaziv": "Kranj" }`
	report := fx.largeScale(&fakeLargeSource{records: []json.RawMessage{json.RawMessage(reordered)}}, store, Hooks{}).Run(context.Background())

	if got := len(fx.sender.threads()); got != sent {
		t.Errorf("re-sent %d messages for an equal record", got-sent)
	}
	if report.Skipped != 1 || store.Len() != 1 {
		t.Errorf("report = %+v, store len = %d", report, store.Len())
	}
}

func TestLargeScale_UnresolvedRegionFallsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		record    string
		wantPhoto bool
	}{
		// point municipality outside every coarse region
		{name: "centroid outside regions", record: `{"obcinaNaziv":"PIRAN","besediloList":[{"besedilo":"Neurje."}]}`, wantPhoto: true},
		{name: "unknown municipality", record: `{"obcinaNaziv":"ATLANTIDA","besediloList":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			store := dedup.NewRecordList(memstore.New(), "records", log.Nop())
			report := fx.largeScale(&fakeLargeSource{records: []json.RawMessage{json.RawMessage(tt.record)}}, store, Hooks{}).Run(context.Background())

			if got, want := fx.sender.threads(), []int64{1404, 1404, 0}; !equalInts(got, want) {
				t.Errorf("threads = %v, want %v", got, want)
			}
			for _, s := range fx.sender.sent {
				if s.photo != tt.wantPhoto {
					t.Errorf("thread %d photo = %v, want %v", s.thread, s.photo, tt.wantPhoto)
				}
			}
			if report.New != 1 || store.Len() != 1 {
				t.Errorf("report = %+v, store len = %d", report, store.Len())
			}
		})
	}
}

func TestLargeScale_MalformedRecordIsIsolated(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	store := dedup.NewRecordList(memstore.New(), "records", log.Nop())
	src := &fakeLargeSource{records: []json.RawMessage{
		json.RawMessage(`"just a string"`),
		json.RawMessage(kranjRecord),
	}}
	report := fx.largeScale(src, store, Hooks{}).Run(context.Background())

	if report.Failed != 1 || report.New != 1 {
		t.Errorf("report = %+v, want 1 failed and 1 new", report)
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}
}

func TestLargeScale_FetchFailureAborts(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	store := dedup.NewRecordList(memstore.New(), "records", log.Nop())
	report := fx.largeScale(&fakeLargeSource{err: errors.New("feed: unavailable")}, store, Hooks{}).Run(context.Background())

	if report.Status != RunStatusAborted {
		t.Errorf("Status = %q, want aborted", report.Status)
	}
	if len(fx.sender.threads()) != 0 {
		t.Error("aborted run delivered messages")
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	fx := newFixture(t)
	fx.engine = delivery.NewEngine(fx.sender, delivery.Policy{MaxAttempts: 2, Backoff: 1}, m.DeliveryHooks())
	fx.sender.invalid[1404] = true

	store := dedup.NewRecordList(memstore.New(), "records", log.Nop())
	p := NewLargeScale(LargeScaleDeps{
		Source:    &fakeLargeSource{records: []json.RawMessage{json.RawMessage(kranjRecord)}},
		Store:     store,
		StoreName: "records",
		Regions:   fx.index,
		Router:    fx.router,
		Formatter: fx.fmt,
		Engine:    fx.engine,
		Maps:      fx.maps,
		Hooks:     m.Hooks(),
	})
	p.Run(context.Background())
	p.Run(context.Background())

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"runs ok", testutil.ToFloat64(m.RunsTotal.WithLabelValues(NameLargeScale, "ok")), 2},
		{"incidents new", testutil.ToFloat64(m.IncidentsTotal.WithLabelValues(NameLargeScale, ResultNew)), 1},
		{"incidents skipped", testutil.ToFloat64(m.IncidentsTotal.WithLabelValues(NameLargeScale, ResultSkipped)), 1},
		{"delivered", testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("delivered")), 2},
		{"skipped", testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("skipped")), 1},
		{"attempt errors", testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("error")), 1},
		{"store size", testutil.ToFloat64(m.DedupEntries.WithLabelValues("records")), 1},
		{"map renders", testutil.ToFloat64(m.MapRendersTotal.WithLabelValues("success")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	m.IncSchedulerSkip("ingestion")
	if got := testutil.ToFloat64(m.SchedulerSkipsTotal.WithLabelValues("ingestion")); got != 1 {
		t.Errorf("scheduler skips = %v, want 1", got)
	}
}
