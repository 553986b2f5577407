// Package incident defines the domain records spinwatch moves between the feed,
// the router and the delivery engine: feed summaries, fetched details,
// large-scale records and messaging channels.
package incident
