package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/spinwatch/internal/incident"
	"github.com/linnemanlabs/spinwatch/internal/region"
)

// KeywordGroup nominates Channel when any of Keywords occurs in an event name.
type KeywordGroup struct {
	Label    string
	Keywords []string
	Channel  incident.Channel
}

// Decoration maps a whole word to the symbols appended to a message.
type Decoration struct {
	Word    string
	Symbols []string
}

// Config is the static routing table before validation. Region keys are
// normalised to upper case when the Table is built.
type Config struct {
	Default     incident.Channel
	LargeScale  incident.Channel
	Regions     map[string]incident.Channel
	Types       map[string]incident.Channel
	Keywords    []KeywordGroup
	Decorations []Decoration
}

func thread(id int64) incident.Channel { return incident.Channel{ThreadID: id} }

// DefaultConfig returns the topic layout of the SPIN forum group.
func DefaultConfig() Config {
	return Config{
		Default:    incident.DefaultChannel,
		LargeScale: thread(1404),
		Regions: map[string]incident.Channel{
			"POMURSKA":              thread(3),
			"PODRAVSKA":             thread(4),
			"KOROŠKA":               thread(6),
			"SAVINJSKA":             thread(8),
			"ZASAVSKA":              thread(10),
			"POSAVSKA":              thread(12),
			"JUGOVZHODNA SLOVENIJA": thread(14),
			"OSREDNJESLOVENSKA":     thread(16),
			"GORENJSKA":             thread(18),
			"PRIMORSKO-NOTRANJSKA":  thread(20),
			"GORIŠKA":               thread(23),
			"OBALNO-KRAŠKA":         thread(25),
		},
		Types: map[string]incident.Channel{
			"Tehnična in druga pomoč":                 thread(29),
			"Tehnična in druga pomoč - jama":          thread(245),
			"Tehnična in druga pomoč - plaz":          thread(246),
			"Jedrska ali radiološka nevarnost":        thread(225),
			"Epidemije":                               thread(220),
			"Motnje, omejitve in prekinitve oskrbe":   thread(27),
			"Najdbe NUS":                              thread(240),
			"Onesnaženje, nesreče z nevarnimi snovmi": thread(242),
			"Požar, eksplozija":                       thread(243),
			"Prometna nesreča":                        thread(244),
			"Prevoz pitne vode":                       thread(247),
			"Lažne in nepotrebne intervencije":        thread(248),
		},
		Keywords: []KeywordGroup{
			{Label: "Gore", Channel: thread(461), Keywords: []string{"gorah", "gore", "Triglav", "alpe", "Karavanke", "sestopu", "zdrs"}},
			{Label: "Športne aktivnosti", Channel: thread(462), Keywords: []string{"adrenalinske", "adrenalinskih", "športnih", "šport", "športu", "rekreativnih"}},
			{Label: "Nevarne snovi", Channel: thread(463), Keywords: []string{"snovmi", "snovi", "nevarne", "nevarnimi", "strupene", "strupenimi"}},
		},
		Decorations: []Decoration{
			{Word: "tehnična", Symbols: []string{"🔧", "🪜"}},
			{Word: "strupenih", Symbols: []string{"☠️"}},
			{Word: "radioaktivnih", Symbols: []string{"☢️"}},
			{Word: "plinov", Symbols: []string{"💨", "🧪"}},
			{Word: "plini", Symbols: []string{"💨", "🧪"}},
			{Word: "razlitje", Symbols: []string{"🫗"}},
			{Word: "razlitih", Symbols: []string{"🫗"}},
			{Word: "snovi", Symbols: []string{"🛢️"}},
			{Word: "snovmi", Symbols: []string{"🛢️"}},
			{Word: "snov", Symbols: []string{"🛢️"}},
			{Word: "nevarnih", Symbols: []string{"⚠️"}},
			{Word: "nevarnimi", Symbols: []string{"⚠️"}},
			{Word: "požar", Symbols: []string{"🔥"}},
			{Word: "eksplozija", Symbols: []string{"💥"}},
			{Word: "nus", Symbols: []string{"⏲️", "💣"}},
			{Word: "prometna", Symbols: []string{"🚦"}},
			{Word: "nesreča", Symbols: []string{"🚗", "🚨"}},
			{Word: "epidemija", Symbols: []string{"🦠", "⚕️"}},
			{Word: "nestanovanjskih", Symbols: []string{"🏬"}},
			{Word: "stanovanjskih", Symbols: []string{"🏘️"}},
			{Word: "industrijskih", Symbols: []string{"🏭"}},
			{Word: "kamnin", Symbols: []string{"🪨"}},
			{Word: "naravi", Symbols: []string{"🌳"}},
			{Word: "gorah", Symbols: []string{"🏔️"}},
			{Word: "zabojnikih", Symbols: []string{"🗑️"}},
			{Word: "gobarjenje", Symbols: []string{"🍄"}},
		},
	}
}

// Validate checks the table for mistakes that would silently misroute:
// negative thread ids, empty or duplicate keys, and keyword groups without
// keywords. All problems are reported together.
func (c Config) Validate() error {
	var errs []error

	checkChannel := func(what string, ch incident.Channel) {
		if ch.ThreadID < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid thread id %d", what, ch.ThreadID))
		}
	}
	checkChannel("default channel", c.Default)
	checkChannel("large-scale channel", c.LargeScale)

	seenRegions := make(map[string]string, len(c.Regions))
	for name, ch := range c.Regions {
		key := region.Normalize(strings.TrimSpace(name))
		if key == "" {
			errs = append(errs, errors.New("region: empty name"))
			continue
		}
		if prev, dup := seenRegions[key]; dup {
			errs = append(errs, fmt.Errorf("region %q: duplicate of %q", name, prev))
		}
		seenRegions[key] = name
		checkChannel("region "+name, ch)
	}

	for name, ch := range c.Types {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("intervention type: empty name"))
			continue
		}
		checkChannel("intervention type "+name, ch)
	}

	seenGroups := make(map[string]struct{}, len(c.Keywords))
	for i, g := range c.Keywords {
		if g.Label == "" {
			errs = append(errs, fmt.Errorf("keyword group %d: empty label", i))
		}
		if _, dup := seenGroups[g.Label]; dup {
			errs = append(errs, fmt.Errorf("keyword group %q: duplicate label", g.Label))
		}
		seenGroups[g.Label] = struct{}{}
		if len(g.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("keyword group %q: no keywords", g.Label))
		}
		for _, kw := range g.Keywords {
			if strings.TrimSpace(kw) == "" {
				errs = append(errs, fmt.Errorf("keyword group %q: empty keyword", g.Label))
			}
		}
		checkChannel("keyword group "+g.Label, g.Channel)
	}

	for i, d := range c.Decorations {
		if strings.TrimSpace(d.Word) == "" || len(d.Symbols) == 0 {
			errs = append(errs, fmt.Errorf("decoration %d: word and symbols are required", i))
		}
	}

	return errors.Join(errs...)
}
