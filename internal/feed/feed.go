// Package feed fetches the public SPIN incident feeds: the RSS list of
// interventions, per-incident detail records and the large-scale incident
// collection.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/spinwatch/internal/incident"
)

// Public SPIN endpoints. The RSS path suffix selects verified interventions
// only (false) or all of them (true).
const (
	DefaultRSSURL        = "https://spin3.sos112.si/api/javno/ODRSS/false"
	DefaultDetailURLBase = "https://spin3.sos112.si/api/javno/lokacija/"
	DefaultLargeScaleURL = "https://spin3.sos112.si/javno/assets/data/vecjiObseg.json"

	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

// ErrUnavailable wraps every fetch or decode failure.
var ErrUnavailable = errors.New("feed: unavailable")

// browser-like headers; the upstream rejects bare clients
var requestHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Accept":          "application/json, text/plain, */*",
	"Accept-Language": "en-SI,en;q=0.8",
	"DNT":             "1",
	"Pragma":          "no-cache",
	"Cache-Control":   "no-store,no-cache",
}

// Config holds the endpoints and client timeout.
type Config struct {
	RSSURL        string
	DetailURLBase string
	LargeScaleURL string
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.RSSURL == "" {
		c.RSSURL = DefaultRSSURL
	}
	if c.DetailURLBase == "" {
		c.DetailURLBase = DefaultDetailURLBase
	}
	if c.LargeScaleURL == "" {
		c.LargeScaleURL = DefaultLargeScaleURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Client fetches SPIN feeds over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client. Zero Config fields use the public endpoints.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrUnavailable, err)
	}
	for k, v := range requestHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G107: url is built from trusted config
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrUnavailable, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: get %s returned %d: %s", ErrUnavailable, url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, url, err)
	}
	return body, nil
}

// FetchSummaries downloads and parses the RSS feed.
func (c *Client) FetchSummaries(ctx context.Context) ([]incident.Summary, error) {
	raw, err := c.get(ctx, c.cfg.RSSURL)
	if err != nil {
		return nil, err
	}
	return ParseSummaries(raw), nil
}

// ParseSummaries turns RSS bytes into summaries in feed order. Items repeating
// an earlier guid are dropped. The incident id is the last path segment of the
// item link. Invalid input yields no summaries.
func ParseSummaries(raw []byte) []incident.Summary {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	f, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{}, len(f.Items))
	out := make([]incident.Summary, 0, len(f.Items))
	for _, it := range f.Items {
		key := it.GUID
		if key == "" {
			key = it.Link
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		id := lastSegment(it.Link)
		if id == "" {
			id = lastSegment(it.GUID)
		}
		if id == "" {
			continue
		}
		s := incident.Summary{ID: id, DetailRef: id, Title: it.Title}
		if it.PublishedParsed != nil {
			s.PublishedAt = *it.PublishedParsed
		}
		out = append(out, s)
	}
	return out
}

func lastSegment(link string) string {
	link = strings.TrimSpace(link)
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	link = strings.TrimRight(link, "/")
	if link == "" {
		return ""
	}
	return path.Base(link)
}

type detailEnvelope struct {
	Value *detailRecord `json:"value"`
}

type detailRecord struct {
	Lat              *float64 `json:"wgsLat"`
	Lon              *float64 `json:"wgsLon"`
	EventName        string   `json:"dogodekNaziv"`
	FreeText         string   `json:"besedilo"`
	InterventionType string   `json:"intervencijaVrstaNaziv"`
	Municipality     string   `json:"obcinaNaziv"`
	OccurredAt       string   `json:"nastanekCas"`
}

// FetchDetail downloads the detail record for ref.
func (c *Client) FetchDetail(ctx context.Context, ref string) (*incident.Detail, error) {
	raw, err := c.get(ctx, strings.TrimRight(c.cfg.DetailURLBase, "/")+"/"+ref)
	if err != nil {
		return nil, err
	}
	return DecodeDetail(raw)
}

// DecodeDetail parses a {"value": {...}} detail envelope.
func DecodeDetail(raw []byte) (*incident.Detail, error) {
	var env detailEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode detail: %w", ErrUnavailable, err)
	}
	if env.Value == nil {
		return nil, fmt.Errorf("%w: detail has no value", ErrUnavailable)
	}
	v := env.Value
	return &incident.Detail{
		LocationName:         v.Municipality,
		InterventionTypeName: v.InterventionType,
		EventName:            v.EventName,
		FreeText:             v.FreeText,
		Lat:                  v.Lat,
		Lon:                  v.Lon,
		OccurredAt:           ParseTimestamp(v.OccurredAt),
		OccurredAtRaw:        v.OccurredAt,
	}, nil
}

// FetchLargeScale downloads the large-scale collection and returns its raw
// records in collection order.
func (c *Client) FetchLargeScale(ctx context.Context) ([]json.RawMessage, error) {
	raw, err := c.get(ctx, c.cfg.LargeScaleURL)
	if err != nil {
		return nil, err
	}
	var env struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode large-scale collection: %w", ErrUnavailable, err)
	}
	return env.Value, nil
}

type largeScaleRecord struct {
	Municipality string `json:"obcinaNaziv"`
	Texts        []struct {
		Text string `json:"besedilo"`
		Date string `json:"datum"`
	} `json:"besediloList"`
}

// DecodeLargeScale extracts the municipality and the first text entry of a
// raw large-scale record. Missing fields are left empty.
func DecodeLargeScale(raw json.RawMessage) (incident.LargeScaleRecord, error) {
	var r largeScaleRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return incident.LargeScaleRecord{}, fmt.Errorf("feed: decode large-scale record: %w", err)
	}
	out := incident.LargeScaleRecord{Raw: raw, Municipality: r.Municipality}
	if len(r.Texts) > 0 {
		out.Text = r.Texts[0].Text
		out.Date = ParseTimestamp(r.Texts[0].Date)
		out.DateRaw = r.Texts[0].Date
	}
	return out, nil
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseTimestamp parses SPIN's local timestamps. Unparseable input yields the
// zero time.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
