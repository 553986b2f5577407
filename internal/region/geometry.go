package region

import "math"

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Polygon holds GeoJSON rings: the first ring is the outer boundary, the rest
// are holes.
type Polygon struct {
	Rings [][]Point
	BBox  [4]float64 // minLon, minLat, maxLon, maxLat
}

func newPolygon(coords [][][]float64) Polygon {
	p := Polygon{Rings: make([][]Point, 0, len(coords))}
	for _, ring := range coords {
		p.Rings = append(p.Rings, toRing(ring))
	}
	p.BBox = bbox(p.Rings)
	return p
}

func toRing(coords [][]float64) []Point {
	ring := make([]Point, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		ring = append(ring, Point{Lat: c[1], Lon: c[0]})
	}
	return ring
}

func bbox(rings [][]Point) [4]float64 {
	b := [4]float64{180, 90, -180, -90}
	for _, r := range rings {
		for _, pt := range r {
			b[0] = math.Min(b[0], pt.Lon)
			b[1] = math.Min(b[1], pt.Lat)
			b[2] = math.Max(b[2], pt.Lon)
			b[3] = math.Max(b[3], pt.Lat)
		}
	}
	return b
}

// Contains reports whether pt lies inside the outer ring and outside every hole.
func (p Polygon) Contains(pt Point) bool {
	if len(p.Rings) == 0 || !inBBox(pt, p.BBox) {
		return false
	}
	if !inRing(pt, p.Rings[0]) {
		return false
	}
	for _, hole := range p.Rings[1:] {
		if inRing(pt, hole) {
			return false
		}
	}
	return true
}

func inBBox(pt Point, b [4]float64) bool {
	return pt.Lon >= b[0] && pt.Lon <= b[2] && pt.Lat >= b[1] && pt.Lat <= b[3]
}

// inRing is the even-odd ray casting test.
func inRing(pt Point, ring []Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].Lon, ring[i].Lat
		xj, yj := ring[j].Lon, ring[j].Lat
		if (yi > pt.Lat) != (yj > pt.Lat) && pt.Lon < (xj-xi)*(pt.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// Centroid returns the area-weighted centroid of a ring. Rings with no area
// (a single point, collinear vertices) fall back to the vertex mean.
func Centroid(ring []Point) Point {
	n := len(ring)
	if n == 0 {
		return Point{}
	}
	var area, cx, cy float64
	for i := 0; i < n; i++ {
		a, b := ring[i], ring[(i+1)%n]
		cross := a.Lon*b.Lat - b.Lon*a.Lat
		area += cross
		cx += (a.Lon + b.Lon) * cross
		cy += (a.Lat + b.Lat) * cross
	}
	area /= 2
	if math.Abs(area) < 1e-12 {
		var sum Point
		for _, pt := range ring {
			sum.Lat += pt.Lat
			sum.Lon += pt.Lon
		}
		return Point{Lat: sum.Lat / float64(n), Lon: sum.Lon / float64(n)}
	}
	return Point{Lat: cy / (6 * area), Lon: cx / (6 * area)}
}
