// Package pipeline runs the two incident passes.
//
// Ingestion polls the RSS feed: every summary not yet delivered is expanded
// into a detail record, routed, rendered and sent to each routed channel, and
// its id is recorded in the dedup store once all deliveries were attempted.
// LargeScale does the same for the large-scale collection, keyed on the whole
// record and routed by the municipality's centroid.
//
// A run never fails as a whole except when its feed cannot be fetched; every
// other failure is isolated to one incident or one channel and reported in the
// RunReport.
package pipeline
