// Package skills turns raw observed text into risk-scored proposals.
//
// The pipeline is Observe → Analyze → GenerateProposal. Every step is a pure
// function of its input and the pipeline configuration. The package is a
// leaf of the control plane: it must not import anything that can execute,
// authorize or persist a side effect. cmd/tcbcheck and the package tests
// enforce that boundary.
package skills

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Observation is the output of Observe. Signals is never empty.
type Observation struct {
	Signals []Signal `json:"signals"`
}

// Has reports whether any signal of category c was observed.
func (o Observation) Has(c SignalCategory) bool {
	return o.Occurrences(c) > 0
}

// Occurrences sums occurrences across signals of category c.
func (o Observation) Occurrences(c SignalCategory) int {
	n := 0
	for _, s := range o.Signals {
		if s.Category == c {
			n += s.Occurrences
		}
	}
	return n
}

// Pipeline holds the skill configuration. The zero value is not usable; use New.
type Pipeline struct {
	patterns []Pattern
	newID    func() string
	clock    func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPatterns replaces the classification table.
func WithPatterns(p []Pattern) Option {
	return func(pl *Pipeline) { pl.patterns = append([]Pattern(nil), p...) }
}

// WithIDGenerator overrides proposal id generation (useful for tests).
func WithIDGenerator(fn func() string) Option {
	return func(pl *Pipeline) { pl.newID = fn }
}

// WithClock overrides the creation timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(pl *Pipeline) { pl.clock = fn }
}

// New creates a pipeline with the default pattern table.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		patterns: DefaultPatterns(),
		newID:    func() string { return uuid.New().String() },
		clock:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Observe classifies text into signals. It is deterministic and total: when
// nothing matches it emits a single informational fallback signal.
func (p *Pipeline) Observe(text string) Observation {
	padded, recipients := normalize(text)

	var signals []Signal
	for _, pat := range p.patterns {
		phrase := " " + strings.Join(tokenize(pat.Phrase), " ") + " "
		if strings.TrimSpace(phrase) == "" {
			continue
		}
		if n := strings.Count(padded, phrase); n > 0 {
			signals = append(signals, Signal{Category: pat.Category, PatternID: pat.ID, Occurrences: n})
		}
	}
	if recipients >= fanoutRecipientThreshold {
		signals = append(signals, Signal{Category: SignalFanout, PatternID: patternRecipients, Occurrences: recipients})
	}
	if len(signals) == 0 {
		signals = []Signal{{Category: SignalInformational, PatternID: patternFallback, Occurrences: 1}}
	}

	rank := make(map[SignalCategory]int, len(categoryOrder))
	for i, c := range categoryOrder {
		rank[c] = i
	}
	sort.SliceStable(signals, func(i, j int) bool {
		if rank[signals[i].Category] != rank[signals[j].Category] {
			return rank[signals[i].Category] < rank[signals[j].Category]
		}
		return signals[i].PatternID < signals[j].PatternID
	})
	return Observation{Signals: signals}
}

// normalize folds text to NFKC lower case words separated by single spaces,
// padded on both ends so phrase matching respects word boundaries. It also
// counts tokens that look like addresses.
func normalize(text string) (string, int) {
	folded := strings.ToLower(norm.NFKC.String(text))
	recipients := 0
	for _, f := range strings.Fields(folded) {
		at := strings.IndexByte(f, '@')
		if at > 0 && at < len(f)-1 && strings.Contains(f[at:], ".") {
			recipients++
		}
	}
	return " " + strings.Join(tokenize(folded), " ") + " ", recipients
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
