// Package routing decides which channels of the messaging group receive an
// incident.
//
// A Table is built once at startup from a Config and never changes. Route
// evaluates every criterion independently (default, region, intervention
// type, keyword groups) in a fixed order and collapses duplicate channels, so
// the result is deterministic for a given detail. Decorations is a separate
// lookup used only when formatting messages.
package routing
