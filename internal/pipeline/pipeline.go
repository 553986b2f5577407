package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/spinwatch/internal/incident"
	"github.com/linnemanlabs/spinwatch/internal/region"
)

var tracer = otel.Tracer("github.com/linnemanlabs/spinwatch/internal/pipeline")

// Incident results reported through Hooks.OnIncident.
const (
	ResultNew     = "new"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// SummarySource is the primary feed.
type SummarySource interface {
	FetchSummaries(ctx context.Context) ([]incident.Summary, error)
	FetchDetail(ctx context.Context, ref string) (*incident.Detail, error)
}

// LargeScaleSource is the large-scale collection.
type LargeScaleSource interface {
	FetchLargeScale(ctx context.Context) ([]json.RawMessage, error)
}

// MapRenderer renders PNG maps.
type MapRenderer interface {
	RenderPoint(ctx context.Context, lat, lon float64) ([]byte, error)
	RenderPolygon(ctx context.Context, ring []region.Point) ([]byte, error)
}

// RegionResolver resolves municipalities and coordinates to regions.
type RegionResolver interface {
	RegionForPoint(lat, lon float64) (string, bool)
	RegionAndCentroidForName(ctx context.Context, name string) ([]region.Point, region.Point, error)
}

// Pacing is the wait after each routed delivery other than the default one.
type Pacing struct {
	AfterRegion time.Duration
	AfterOther  time.Duration
}

// DefaultPacing waits 3 seconds after a region post and 1 second after type
// and keyword posts.
func DefaultPacing() Pacing {
	return Pacing{AfterRegion: 3 * time.Second, AfterOther: time.Second}
}

// Hooks observe pipeline runs. Any field may be nil.
type Hooks struct {
	OnRunComplete    func(r *RunReport)
	OnIncident       func(pipeline, result string)
	OnStoreSize      func(store string, n int)
	OnPersistFailure func(store string)
	OnMapRender      func(err error)
}

func (h Hooks) runComplete(r *RunReport) {
	if h.OnRunComplete != nil {
		h.OnRunComplete(r)
	}
}

func (h Hooks) incident(pipeline, result string) {
	if h.OnIncident != nil {
		h.OnIncident(pipeline, result)
	}
}

func (h Hooks) storeSize(store string, n int) {
	if h.OnStoreSize != nil {
		h.OnStoreSize(store, n)
	}
}

func (h Hooks) persistFailure(store string) {
	if h.OnPersistFailure != nil {
		h.OnPersistFailure(store)
	}
}

func (h Hooks) mapRender(err error) {
	if h.OnMapRender != nil {
		h.OnMapRender(err)
	}
}
