// Package message renders incidents as Telegram HTML captions.
package message

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/spinwatch/internal/incident"
)

// Telegram length limits.
const (
	CaptionLimit = 1024
	TextLimit    = 4096
)

// Placeholder replaces any missing field.
const Placeholder = "N/A"

// IncidentURLBase links an incident id to the public SPIN map.
const IncidentURLBase = "https://spin3.sos112.si/javno/zemljevid/"

var dayNames = [...]string{
	time.Sunday:    "Ned",
	time.Monday:    "Pon",
	time.Tuesday:   "Tor",
	time.Wednesday: "Sre",
	time.Thursday:  "Čet",
	time.Friday:    "Pet",
	time.Saturday:  "Sob",
}

// Decorator produces the decoration symbols for a set of text fields.
type Decorator interface {
	Decorations(fields ...string) string
}

// Formatter builds incident captions.
type Formatter struct {
	decorator Decorator
}

// New returns a Formatter. A nil decorator renders "." as decoration.
func New(decorator Decorator) *Formatter {
	return &Formatter{decorator: decorator}
}

// FormatTimestamp renders t as "Tor, 01 Oct 2024 10:25:37" with Slovenian day
// abbreviations, or the placeholder for the zero time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return Placeholder
	}
	return dayNames[t.Weekday()] + t.Format(", 02 Jan 2006 15:04:05")
}

// FormatDate renders only the date part of t.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return Placeholder
	}
	return dayNames[t.Weekday()] + t.Format(", 02 Jan 2006")
}

// timestamp formats t, falling back to the escaped upstream value when it
// could not be parsed.
func timestamp(t time.Time, raw string, format func(time.Time) string) string {
	if t.IsZero() {
		if r := strings.TrimSpace(raw); r != "" {
			return html.EscapeString(r)
		}
	}
	return format(t)
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return html.EscapeString(s)
}

func coordinate(v *float64) string {
	if v == nil {
		return Placeholder
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Incident renders the caption for a primary feed incident, shortening the
// free text first and then the other text fields so the result fits in limit
// runes.
func (f *Formatter) Incident(s incident.Summary, d *incident.Detail, limit int) string {
	decoration := "."
	if f.decorator != nil {
		decoration = f.decorator.Decorations(d.EventName, d.FreeText, d.InterventionTypeName)
	}

	published := Placeholder
	if !s.PublishedAt.IsZero() {
		published = FormatTimestamp(s.PublishedAt.UTC()) + " UTC"
	}

	build := func(v []string) string {
		var b strings.Builder
		fmt.Fprintf(&b, "<b>%s</b>\n\n", v[3])
		fmt.Fprintf(&b, "<b>%s</b>\n", v[2])
		fmt.Fprintf(&b, "<i>Čas dogodka: %s</i> \n\n", timestamp(d.OccurredAt, d.OccurredAtRaw, FormatTimestamp))
		fmt.Fprintf(&b, "%s\n", v[0])
		fmt.Fprintf(&b, "<i>Lat:</i> %s\n", coordinate(d.Lat))
		fmt.Fprintf(&b, "<i>Lon:</i> %s\n", coordinate(d.Lon))
		fmt.Fprintf(&b, "<b>%s</b>\n", v[1])
		fmt.Fprintf(&b, "%s\n", decoration)
		fmt.Fprintf(&b, "<i>Čas objave:</i> %s\n", published)
		id := html.EscapeString(s.ID)
		fmt.Fprintf(&b, "ID: <a href='%s%s'>%s</a>", IncidentURLBase, id, id)
		return b.String()
	}
	return fit(build, limit, d.FreeText, d.EventName, d.LocationName, d.InterventionTypeName)
}

// LargeScale renders the caption for a large-scale incident record.
func (f *Formatter) LargeScale(r *incident.LargeScaleRecord, limit int) string {
	build := func(v []string) string {
		return fmt.Sprintf("🚩 <b>Dogodek večjega obsega</b>\n<b>%s</b>\n<i>Datum:</i> %s\n\n%s",
			v[1], timestamp(r.Date, r.DateRaw, FormatDate), v[0])
	}
	return fit(build, limit, r.Text, r.Municipality)
}

// fit renders build with the escaped values, shortening them in argument
// order on rune boundaries until the output is within limit runes. Values are
// cut before escaping so markup is never split. A limit <= 0 disables the
// check.
func fit(build func(vals []string) string, limit int, vals ...string) string {
	cur := append([]string(nil), vals...)
	render := func() string {
		escaped := make([]string, len(cur))
		for i, v := range cur {
			escaped[i] = orPlaceholder(v)
		}
		return build(escaped)
	}

	out := render()
	if limit <= 0 {
		return out
	}
	for i := range cur {
		over := utf8.RuneCountInString(out) - limit
		if over <= 0 {
			return out
		}
		runes := []rune(strings.TrimSpace(cur[i]))
		keep := len(runes) - over - 1
		for {
			keep = max(keep, 0)
			cur[i] = string(runes[:keep]) + "…"
			out = render()
			over = utf8.RuneCountInString(out) - limit
			if over <= 0 || keep == 0 {
				break
			}
			keep -= over
		}
	}
	return out
}
