package incident

import (
	"encoding/json"
	"time"
)

// Summary is a lightweight feed entry identifying an incident before its
// details are fetched. Identity is ID.
type Summary struct {
	ID          string
	DetailRef   string
	Title       string
	PublishedAt time.Time
}

// Detail is the full incident record fetched by reference. Text fields may be
// empty when the upstream record omits them; placeholders are substituted at
// the formatting boundary.
type Detail struct {
	LocationName         string
	InterventionTypeName string
	EventName            string
	FreeText             string
	Lat                  *float64
	Lon                  *float64
	OccurredAt           time.Time

	// OccurredAtRaw is the upstream value, shown when it does not parse.
	OccurredAtRaw string
}

// HasCoordinates reports whether both latitude and longitude are present.
func (d *Detail) HasCoordinates() bool {
	return d.Lat != nil && d.Lon != nil
}

// LargeScaleRecord is one entry of the large-scale incident collection. The
// upstream record has no stable id, so Raw is kept for structural dedup.
type LargeScaleRecord struct {
	Raw          json.RawMessage
	Municipality string
	Text         string
	Date         time.Time
	DateRaw      string
}

// Channel identifies a destination thread inside the configured messaging
// group. ThreadID 0 is the group's main thread.
type Channel struct {
	ThreadID int64
}

// DefaultChannel is the group's main thread, which receives every incident.
var DefaultChannel = Channel{}

// IsDefault reports whether c is the main thread.
func (c Channel) IsDefault() bool {
	return c.ThreadID == 0
}
