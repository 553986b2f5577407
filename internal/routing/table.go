package routing

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/incident"
	"github.com/linnemanlabs/spinwatch/internal/region"
)

// Criterion names the routing rule that nominated a channel.
type Criterion string

const (
	CriterionDefault    Criterion = "default"
	CriterionRegion     Criterion = "region"
	CriterionType       Criterion = "type"
	CriterionKeyword    Criterion = "keyword"
	CriterionLargeScale Criterion = "large_scale"
)

// Entry is one destination of a routing result.
type Entry struct {
	Channel   incident.Channel
	Criterion Criterion
	// Label is the region name, intervention type or keyword group that
	// matched. Empty for the default channel.
	Label string
}

// Result is the ordered set of distinct channels for one incident. The first
// entry is always the default channel.
type Result []Entry

// Channels returns the channels in delivery order.
func (r Result) Channels() []incident.Channel {
	out := make([]incident.Channel, len(r))
	for i, e := range r {
		out[i] = e.Channel
	}
	return out
}

// Has reports whether ch is part of the result.
func (r Result) Has(ch incident.Channel) bool {
	for _, e := range r {
		if e.Channel == ch {
			return true
		}
	}
	return false
}

// Locator resolves a coordinate to a coarse region name.
type Locator interface {
	RegionForPoint(lat, lon float64) (string, bool)
}

type keywordGroup struct {
	label    string
	keywords []string
	channel  incident.Channel
}

// Table is an immutable routing table. It is safe for concurrent use.
type Table struct {
	def         incident.Channel
	largeScale  incident.Channel
	regions     map[string]incident.Channel
	types       map[string]incident.Channel
	keywords    []keywordGroup
	decorations []Decoration
	locator     Locator
}

// New validates cfg and builds a Table. Region keys that the locator does not
// know are reported as warnings since they can never match.
func New(ctx context.Context, cfg Config, locator Locator, logger log.Logger) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("routing: invalid table: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}

	t := &Table{
		def:        cfg.Default,
		largeScale: cfg.LargeScale,
		regions:    make(map[string]incident.Channel, len(cfg.Regions)),
		types:      make(map[string]incident.Channel, len(cfg.Types)),
		locator:    locator,
	}
	for name, ch := range cfg.Regions {
		t.regions[region.Normalize(name)] = ch
	}
	for name, ch := range cfg.Types {
		t.types[name] = ch
	}
	lower := cases.Lower(language.Slovenian)
	for _, g := range cfg.Keywords {
		kg := keywordGroup{label: g.Label, channel: g.Channel}
		for _, kw := range g.Keywords {
			kg.keywords = append(kg.keywords, lower.String(kw))
		}
		t.keywords = append(t.keywords, kg)
	}
	for _, d := range cfg.Decorations {
		t.decorations = append(t.decorations, Decoration{
			Word:    lower.String(d.Word),
			Symbols: append([]string(nil), d.Symbols...),
		})
	}

	if names, ok := locator.(interface{ CoarseNames() []string }); ok {
		known := make(map[string]struct{})
		for _, n := range names.CoarseNames() {
			known[n] = struct{}{}
		}
		for name := range t.regions {
			if _, ok := known[name]; !ok {
				logger.Warn(ctx, "routing region is not present in the region index", "region", name)
			}
		}
	}

	return t, nil
}

// Default returns the main thread that receives every incident.
func (t *Table) Default() incident.Channel { return t.def }

// LargeScale returns the channel dedicated to large-scale incidents.
func (t *Table) LargeScale() incident.Channel { return t.largeScale }

// RegionChannel returns the channel mapped to a coarse region name.
func (t *Table) RegionChannel(name string) (incident.Channel, bool) {
	ch, ok := t.regions[region.Normalize(name)]
	return ch, ok
}

// Route computes the destinations for d: the default channel, then the
// region channel when coordinates resolve to a mapped region, then the
// intervention type channel, then every keyword group matching the event
// name. A channel nominated twice keeps its first entry.
func (t *Table) Route(d *incident.Detail) Result {
	res := Result{{Channel: t.def, Criterion: CriterionDefault}}
	add := func(ch incident.Channel, c Criterion, label string) {
		if res.Has(ch) {
			return
		}
		res = append(res, Entry{Channel: ch, Criterion: c, Label: label})
	}

	if d.HasCoordinates() && t.locator != nil {
		if name, ok := t.locator.RegionForPoint(*d.Lat, *d.Lon); ok {
			if ch, ok := t.regions[region.Normalize(name)]; ok {
				add(ch, CriterionRegion, name)
			}
		}
	}

	if ch, ok := t.types[d.InterventionTypeName]; ok {
		add(ch, CriterionType, d.InterventionTypeName)
	}

	if d.EventName != "" {
		event := cases.Lower(language.Slovenian).String(d.EventName)
		for _, g := range t.keywords {
			for _, kw := range g.keywords {
				if strings.Contains(event, kw) {
					add(g.channel, CriterionKeyword, g.label)
					break
				}
			}
		}
	}

	return res
}

// Decorations returns the symbols for every decoration word that occurs as a
// whole word in any of fields, in table order and without repeats. It returns
// "." when nothing matches.
func (t *Table) Decorations(fields ...string) string {
	lower := cases.Lower(language.Slovenian)
	words := make(map[string]struct{})
	for _, f := range fields {
		for _, w := range strings.FieldsFunc(lower.String(f), isWordSeparator) {
			words[w] = struct{}{}
		}
	}

	var b strings.Builder
	seen := make(map[string]struct{})
	for _, d := range t.decorations {
		if _, ok := words[d.Word]; !ok {
			continue
		}
		for _, s := range d.Symbols {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			b.WriteString(s)
		}
	}
	if b.Len() == 0 {
		return "."
	}
	return b.String()
}

func isWordSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}
