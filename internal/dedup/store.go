// Package dedup keeps the persisted record of incidents that were already
// delivered, so that a restart or a repeated feed snapshot never re-posts them.
//
// Two shapes exist: IDSet for the primary feed, keyed by incident id, and
// RecordList for the large-scale feed, whose entries have no stable id and
// are compared structurally. Both are bounded to MaxStored entries and persist
// their full membership through a Backend after every change.
package dedup

import (
	"context"
	"errors"
)

// MaxStored caps the persisted membership of every store.
const MaxStored = 1000

// ErrNotFound is returned by a Backend when no state has been saved under the
// requested name yet.
var ErrNotFound = errors.New("dedup: state not found")

// Backend stores one opaque JSON document per store name. Save must replace
// the previous document atomically: either the new document is stored in
// full or the old one is left intact.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}
