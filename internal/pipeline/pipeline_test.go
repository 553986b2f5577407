package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/delivery"
	"github.com/linnemanlabs/spinwatch/internal/incident"
	"github.com/linnemanlabs/spinwatch/internal/message"
	"github.com/linnemanlabs/spinwatch/internal/region"
	"github.com/linnemanlabs/spinwatch/internal/routing"
)

func square(prop, name string, minLon, minLat, maxLon, maxLat float64) string {
	return fmt.Sprintf(`{"type":"Feature","properties":{%q:%q},"geometry":{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]}}`,
		prop, name, minLon, minLat, maxLon, minLat, maxLon, maxLat, minLon, maxLat, minLon, minLat)
}

func collection(features ...string) []byte {
	out := `{"type":"FeatureCollection","features":[`
	for i, f := range features {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return []byte(out + `]}`)
}

func testIndex(t *testing.T) *region.Index {
	t.Helper()
	coarse := collection(
		square("SR_UIME", "Osrednjeslovenska", 14.0, 45.8, 15.0, 46.3),
		square("SR_UIME", "Gorenjska", 13.5, 46.3, 14.0, 46.6),
	)
	fine := collection(
		square("OB_UIME", "LJUBLJANA", 14.4, 46.0, 14.6, 46.1),
		square("OB_UIME", "KRANJ", 13.7, 46.35, 13.9, 46.45),
		`{"type":"Feature","properties":{"OB_UIME":"PIRAN"},"geometry":{"type":"Point","coordinates":[13.57,45.53]}}`,
	)
	idx, err := region.Load(coarse, fine, region.Options{}, log.Nop())
	if err != nil {
		t.Fatalf("region.Load: %v", err)
	}
	return idx
}

type fakeSource struct {
	mu        sync.Mutex
	summaries []incident.Summary
	details   map[string]*incident.Detail
	feedErr   error
	fetched   []string
}

func (f *fakeSource) FetchSummaries(context.Context) ([]incident.Summary, error) {
	if f.feedErr != nil {
		return nil, f.feedErr
	}
	return f.summaries, nil
}

func (f *fakeSource) FetchDetail(_ context.Context, ref string) (*incident.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, ref)
	d, ok := f.details[ref]
	if !ok {
		return nil, errors.New("feed: unavailable: 503")
	}
	return d, nil
}

type sent struct {
	thread int64
	text   string
	photo  bool
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	invalid map[int64]bool
}

func (f *fakeSender) SendMessage(_ context.Context, ch incident.Channel, text string) error {
	return f.record(ch, text, false)
}

func (f *fakeSender) SendPhoto(_ context.Context, ch incident.Channel, photo io.Reader, caption string) error {
	if _, err := io.ReadAll(photo); err != nil {
		return err
	}
	return f.record(ch, caption, true)
}

func (f *fakeSender) record(ch incident.Channel, text string, photo bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid[ch.ThreadID] {
		return fmt.Errorf("message thread not found: %w", delivery.ErrInvalidChannel)
	}
	f.sent = append(f.sent, sent{thread: ch.ThreadID, text: text, photo: photo})
	return nil
}

func (f *fakeSender) threads() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.thread
	}
	return out
}

type fakeMaps struct {
	fail     bool
	points   int
	polygons int
}

func (f *fakeMaps) RenderPoint(context.Context, float64, float64) ([]byte, error) {
	f.points++
	if f.fail {
		return nil, errors.New("tile server down")
	}
	return []byte("png"), nil
}

func (f *fakeMaps) RenderPolygon(_ context.Context, ring []region.Point) ([]byte, error) {
	f.polygons++
	if f.fail || len(ring) == 0 {
		return nil, errors.New("tile server down")
	}
	return []byte("png"), nil
}

type fixture struct {
	index  *region.Index
	router *routing.Table
	sender *fakeSender
	engine *delivery.Engine
	maps   *fakeMaps
	fmt    *message.Formatter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx := testIndex(t)
	router, err := routing.New(context.Background(), routing.DefaultConfig(), idx, log.Nop())
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	sender := &fakeSender{invalid: map[int64]bool{}}
	return &fixture{
		index:  idx,
		router: router,
		sender: sender,
		engine: delivery.NewEngine(sender, delivery.Policy{MaxAttempts: 2, Backoff: time.Millisecond}, delivery.Hooks{}),
		maps:   &fakeMaps{},
		fmt:    message.New(router),
	}
}

func (fx *fixture) ingestion(src SummarySource, store *dedup.IDSet, hooks Hooks) *Ingestion {
	return NewIngestion(IngestionDeps{
		Source:    src,
		Store:     store,
		Router:    fx.router,
		Formatter: fx.fmt,
		Engine:    fx.engine,
		Maps:      fx.maps,
		Logger:    log.Nop(),
		Hooks:     hooks,
	})
}

func ptr(v float64) *float64 { return &v }

func fireDetail() *incident.Detail {
	return &incident.Detail{
		LocationName:         "LJUBLJANA",
		InterventionTypeName: "Požar, eksplozija",
		EventName:            "požar v gorah",
		FreeText:             "Gorelo je na pobočju.",
		Lat:                  ptr(46.05),
		Lon:                  ptr(14.51),
	}
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
