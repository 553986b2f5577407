// Package mapimage renders static OpenTopoMap images of incident locations and
// municipality outlines as PNG bytes.
package mapimage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	sm "github.com/flopp/go-staticmaps"
	"github.com/golang/geo/s2"

	"github.com/linnemanlabs/spinwatch/internal/region"
)

// ErrDisabled is returned by a renderer built with rendering turned off.
var ErrDisabled = errors.New("mapimage: rendering disabled")

// Config controls the rendered images.
type Config struct {
	Enabled      bool
	Width        int
	Height       int
	PointZoom    int
	PolygonZoom  int
	Saturation   float64
	TileProvider string
	UserAgent    string
}

// DefaultConfig is an 800x600 topographic map, zoom 14 for points and 11 for
// outlines, with colours desaturated to 70%.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Width:        800,
		Height:       600,
		PointZoom:    14,
		PolygonZoom:  11,
		Saturation:   0.7,
		TileProvider: "opentopomap",
	}
}

var (
	markerColor  = color.RGBA{R: 0xff, A: 0xff}
	outlineColor = color.RGBA{B: 0xff, A: 0xff}
)

var tileProviders = map[string]func() *sm.TileProvider{
	"opentopomap": sm.NewTileProviderOpenTopoMap,
	"osm":         sm.NewTileProviderOpenStreetMaps,
	"carto-light": sm.NewTileProviderCartoLight,
	"carto-dark":  sm.NewTileProviderCartoDark,
}

const (
	markerSize   = 12
	outlineWidth = 3
)

// Renderer draws maps. It is safe for concurrent use; each call builds its own
// map context.
type Renderer struct {
	cfg      Config
	provider *sm.TileProvider
}

// New validates cfg and returns a Renderer.
func New(cfg Config) (*Renderer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("mapimage: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Saturation < 0 || cfg.Saturation > 1 {
		return nil, fmt.Errorf("mapimage: saturation %.2f outside [0,1]", cfg.Saturation)
	}
	name := cfg.TileProvider
	if name == "" {
		name = "opentopomap"
	}
	newProvider, ok := tileProviders[name]
	if !ok {
		return nil, fmt.Errorf("mapimage: unknown tile provider %q", cfg.TileProvider)
	}
	return &Renderer{cfg: cfg, provider: newProvider()}, nil
}

func (r *Renderer) context(zoom int) *sm.Context {
	c := sm.NewContext()
	c.SetSize(r.cfg.Width, r.cfg.Height)
	c.SetZoom(zoom)
	c.SetTileProvider(r.provider)
	if r.cfg.UserAgent != "" {
		c.SetUserAgent(r.cfg.UserAgent)
	}
	return c
}

// RenderPoint draws a red marker at the coordinate.
func (r *Renderer) RenderPoint(_ context.Context, lat, lon float64) ([]byte, error) {
	if !r.cfg.Enabled {
		return nil, ErrDisabled
	}
	pos := s2.LatLngFromDegrees(lat, lon)
	c := r.context(r.cfg.PointZoom)
	c.SetCenter(pos)
	c.AddObject(sm.NewMarker(pos, markerColor, markerSize))
	return r.render(c)
}

// RenderPolygon draws the closed outline of ring. A single-point ring is drawn
// as a marker.
func (r *Renderer) RenderPolygon(ctx context.Context, ring []region.Point) ([]byte, error) {
	if !r.cfg.Enabled {
		return nil, ErrDisabled
	}
	switch len(ring) {
	case 0:
		return nil, errors.New("mapimage: empty polygon")
	case 1:
		return r.RenderPoint(ctx, ring[0].Lat, ring[0].Lon)
	}

	positions := make([]s2.LatLng, 0, len(ring)+1)
	for _, p := range ring {
		positions = append(positions, s2.LatLngFromDegrees(p.Lat, p.Lon))
	}
	if ring[0] != ring[len(ring)-1] {
		positions = append(positions, positions[0])
	}

	c := r.context(r.cfg.PolygonZoom)
	centroid := region.Centroid(ring)
	c.SetCenter(s2.LatLngFromDegrees(centroid.Lat, centroid.Lon))
	c.AddObject(sm.NewPath(positions, outlineColor, outlineWidth))
	return r.render(c)
}

func (r *Renderer) render(c *sm.Context) ([]byte, error) {
	img, err := c.Render()
	if err != nil {
		return nil, fmt.Errorf("mapimage: render: %w", err)
	}
	out := Desaturate(img, r.cfg.Saturation)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("mapimage: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Desaturate blends every pixel toward its luma. factor 1 keeps the image, 0
// makes it grey.
func Desaturate(src image.Image, factor float64) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	if factor >= 1 {
		return dst
	}
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		r, g, bl := float64(dst.Pix[i]), float64(dst.Pix[i+1]), float64(dst.Pix[i+2])
		luma := 0.299*r + 0.587*g + 0.114*bl
		dst.Pix[i] = clamp(luma + (r-luma)*factor)
		dst.Pix[i+1] = clamp(luma + (g-luma)*factor)
		dst.Pix[i+2] = clamp(luma + (bl-luma)*factor)
	}
	return dst
}

func clamp(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
