package pricing

import (
	"math"
	"regexp"
	"strings"
	"sync"
)

// Rule maps a model name or glob pattern to a credit cost multiplier.
// Multiplier 0 marks a free-tier model: its usage is never deducted.
type Rule struct {
	Pattern    string  `yaml:"pattern" json:"pattern"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// Table resolves model names to credit multipliers. Exact names win over
// glob patterns; unmatched models fall back to the default multiplier.
type Table struct {
	mu         sync.RWMutex
	exact      map[string]float64
	patterns   []patternRule
	defaultMul float64
}

type patternRule struct {
	pattern    *regexp.Regexp
	multiplier float64
}

// NewTable builds a table from config rules
func NewTable(rules []Rule, defaultMultiplier float64) *Table {
	t := &Table{
		exact:      make(map[string]float64),
		defaultMul: defaultMultiplier,
	}
	for _, r := range rules {
		t.Add(r.Pattern, r.Multiplier)
	}
	return t
}

// Add registers a rule. Patterns containing * are matched as globs.
func (t *Table) Add(pattern string, multiplier float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.Contains(pattern, "*") {
		regexPattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		if re, err := regexp.Compile(regexPattern); err == nil {
			t.patterns = append(t.patterns, patternRule{pattern: re, multiplier: multiplier})
		}
	} else {
		t.exact[pattern] = multiplier
	}
}

// Multiplier returns the credit multiplier for a model
func (t *Table) Multiplier(model string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if m, ok := t.exact[model]; ok {
		return m
	}
	for _, p := range t.patterns {
		if p.pattern.MatchString(model) {
			return p.multiplier
		}
	}
	return t.defaultMul
}

// IsFree reports whether a model bypasses deduction entirely
func (t *Table) IsFree(model string) bool {
	return t.Multiplier(model) == 0
}

// CreditCost converts a provider-reported usage amount into credits,
// rounding up so partial units are never free.
func (t *Table) CreditCost(model string, units int64) int64 {
	m := t.Multiplier(model)
	if m <= 0 || units <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(units) * m))
}
