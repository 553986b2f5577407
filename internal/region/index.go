// Package region answers geographic questions against two boundary sets:
// coarse statistical regions used for routing, and fine municipalities used
// to place large-scale incidents.
package region

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	geojson "github.com/paulmach/go.geojson"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/linnemanlabs/go-core/log"
)

// Default GeoJSON property names carrying the region name.
const (
	CoarseNameProperty = "SR_UIME"
	FineNameProperty   = "OB_UIME"
)

var (
	// ErrRegionNotFound means no fine region carries the requested name.
	ErrRegionNotFound = errors.New("region not found")

	// ErrUnsupportedGeometry means the matching feature is not a Polygon,
	// MultiPolygon or Point.
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
)

// Normalize upper-cases a region name using Slovenian casing rules. All
// lookups and routing keys use this form.
func Normalize(name string) string {
	return cases.Upper(language.Slovenian).String(strings.TrimSpace(name))
}

type coarseRegion struct {
	name  string
	polys []Polygon
}

type fineRegion struct {
	name     string
	geomType geojson.GeometryType
	geom     *geojson.Geometry
}

// Index is an immutable, in-memory region lookup. It is safe for concurrent use.
type Index struct {
	coarse []coarseRegion
	fine   []fineRegion
	logger log.Logger
}

// Options configures property names used while loading.
type Options struct {
	CoarseNameProperty string
	FineNameProperty   string
}

func (o Options) withDefaults() Options {
	if o.CoarseNameProperty == "" {
		o.CoarseNameProperty = CoarseNameProperty
	}
	if o.FineNameProperty == "" {
		o.FineNameProperty = FineNameProperty
	}
	return o
}

// LoadFiles reads both FeatureCollections from disk and builds an Index.
func LoadFiles(coarsePath, finePath string, opts Options, logger log.Logger) (*Index, error) {
	coarse, err := os.ReadFile(coarsePath) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("region: read coarse regions: %w", err)
	}
	fine, err := os.ReadFile(finePath) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("region: read fine regions: %w", err)
	}
	return Load(coarse, fine, opts, logger)
}

// Load builds an Index from raw GeoJSON FeatureCollections. Feature order is
// preserved so that overlapping polygons resolve deterministically.
func Load(coarseJSON, fineJSON []byte, opts Options, logger log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.Nop()
	}
	opts = opts.withDefaults()

	coarseFC, err := geojson.UnmarshalFeatureCollection(coarseJSON)
	if err != nil {
		return nil, fmt.Errorf("region: decode coarse regions: %w", err)
	}
	fineFC, err := geojson.UnmarshalFeatureCollection(fineJSON)
	if err != nil {
		return nil, fmt.Errorf("region: decode fine regions: %w", err)
	}

	idx := &Index{logger: logger}
	ctx := context.Background()

	for i, f := range coarseFC.Features {
		name, err := f.PropertyString(opts.CoarseNameProperty)
		if err != nil || f.Geometry == nil {
			logger.Warn(ctx, "skipping coarse region without name or geometry", "feature", i)
			continue
		}
		r := coarseRegion{name: Normalize(name)}
		switch {
		case f.Geometry.IsPolygon():
			r.polys = append(r.polys, newPolygon(f.Geometry.Polygon))
		case f.Geometry.IsMultiPolygon():
			for _, p := range f.Geometry.MultiPolygon {
				r.polys = append(r.polys, newPolygon(p))
			}
		default:
			logger.Warn(ctx, "skipping coarse region with non-areal geometry", "region", r.name, "type", f.Geometry.Type)
			continue
		}
		idx.coarse = append(idx.coarse, r)
	}

	for i, f := range fineFC.Features {
		name, err := f.PropertyString(opts.FineNameProperty)
		if err != nil || f.Geometry == nil {
			logger.Warn(ctx, "skipping fine region without name or geometry", "feature", i)
			continue
		}
		idx.fine = append(idx.fine, fineRegion{
			name:     Normalize(name),
			geomType: f.Geometry.Type,
			geom:     f.Geometry,
		})
	}

	if len(idx.coarse) == 0 {
		return nil, errors.New("region: no usable coarse regions")
	}
	return idx, nil
}

// CoarseNames returns the normalised coarse region names in lookup order.
func (x *Index) CoarseNames() []string {
	out := make([]string, 0, len(x.coarse))
	for _, r := range x.coarse {
		out = append(out, r.name)
	}
	return out
}

// RegionForPoint returns the name of the first coarse region whose polygon
// contains the coordinate.
func (x *Index) RegionForPoint(lat, lon float64) (string, bool) {
	pt := Point{Lat: lat, Lon: lon}
	for _, r := range x.coarse {
		for _, p := range r.polys {
			if p.Contains(pt) {
				return r.name, true
			}
		}
	}
	return "", false
}

// RegionAndCentroidForName looks up a fine region by case-insensitive exact
// name and returns its outer ring and centroid. Polygon uses its outer ring,
// MultiPolygon the first polygon's outer ring, and Point a one-point ring
// whose centroid is the point itself.
func (x *Index) RegionAndCentroidForName(ctx context.Context, name string) ([]Point, Point, error) {
	want := Normalize(name)
	for _, r := range x.fine {
		if r.name != want {
			continue
		}
		ring, err := outerRing(r.geom)
		if err != nil {
			x.logger.Error(ctx, err, "fine region has unsupported geometry", "region", name, "type", r.geomType)
			return nil, Point{}, fmt.Errorf("region %q: %w", name, err)
		}
		return ring, Centroid(ring), nil
	}
	x.logger.Warn(ctx, "no matching fine region", "region", name)
	return nil, Point{}, fmt.Errorf("region %q: %w", name, ErrRegionNotFound)
}

func outerRing(g *geojson.Geometry) ([]Point, error) {
	switch {
	case g.IsPolygon() && len(g.Polygon) > 0:
		return toRing(g.Polygon[0]), nil
	case g.IsMultiPolygon() && len(g.MultiPolygon) > 0 && len(g.MultiPolygon[0]) > 0:
		return toRing(g.MultiPolygon[0][0]), nil
	case g.IsPoint() && len(g.Point) >= 2:
		return []Point{{Lat: g.Point[1], Lon: g.Point[0]}}, nil
	}
	return nil, ErrUnsupportedGeometry
}
