// Package salience scores chunks of filing text for material-risk relevance.
// Scoring is a pure function over a weighted keyword table so the same scorer
// serves both the live watchdog scan and test fixtures.
package salience

import (
	"math"
	"sort"
	"strings"
)

// Category groups risk terms so repeated matches within one theme see
// diminishing returns instead of inflating the score.
type Category string

const (
	Litigation  Category = "litigation"
	Regulatory  Category = "regulatory"
	Financial   Category = "financial"
	Operational Category = "operational"
	Security    Category = "security"
	Leadership  Category = "leadership"
	Solvency    Category = "solvency"
	Integrity   Category = "integrity"
)

// Term is one weighted risk keyword.
type Term struct {
	Text     string
	Weight   float64
	Category Category
}

// DefaultTable is the built-in risk term table. Weights are product tuning
// and can be overridden from configuration.
func DefaultTable() []Term {
	return []Term{
		{"lawsuit", 0.30, Litigation},
		{"litigation", 0.30, Litigation},
		{"class action", 0.30, Litigation},
		{"settlement", 0.15, Litigation},
		{"subpoena", 0.30, Litigation},
		{"patent infringement", 0.30, Litigation},
		{"intellectual property dispute", 0.15, Litigation},

		{"investigation", 0.30, Regulatory},
		{"sec investigation", 0.30, Regulatory},
		{"doj", 0.30, Regulatory},
		{"regulatory action", 0.30, Regulatory},
		{"consent decree", 0.15, Regulatory},
		{"antitrust", 0.30, Regulatory},

		{"earnings miss", 0.30, Financial},
		{"revenue decline", 0.30, Financial},
		{"guidance lowered", 0.30, Financial},
		{"below expectations", 0.15, Financial},
		{"impairment charge", 0.15, Financial},
		{"writedown", 0.15, Financial},

		{"recall", 0.30, Operational},
		{"safety concern", 0.30, Operational},
		{"production halt", 0.30, Operational},
		{"supply disruption", 0.15, Operational},
		{"layoff", 0.15, Operational},
		{"delay", 0.15, Operational},

		{"data breach", 0.30, Security},
		{"cybersecurity incident", 0.30, Security},
		{"ransomware", 0.30, Security},

		{"ceo resign", 0.30, Leadership},
		{"cfo resign", 0.30, Leadership},
		{"executive departure", 0.30, Leadership},

		{"bankruptcy", 0.30, Solvency},
		{"chapter 11", 0.30, Solvency},
		{"going concern", 0.30, Solvency},
		{"restructuring", 0.15, Solvency},
		{"default on debt", 0.30, Solvency},

		{"fraud", 0.30, Integrity},
		{"accounting irregularities", 0.30, Integrity},
		{"delisting", 0.30, Integrity},
	}
}

// Scorer evaluates text against a risk term table.
type Scorer struct {
	table []Term
}

// New creates a Scorer; a nil or empty table falls back to DefaultTable.
func New(table []Term) *Scorer {
	if len(table) == 0 {
		table = DefaultTable()
	}
	return &Scorer{table: table}
}

// Score returns the salience of text in [0,1].
func (s *Scorer) Score(text string) float64 {
	score, _ := s.Evaluate(text)
	return score
}

// Evaluate returns the salience score and the matched terms, lowercase and
// sorted, for use in event fingerprints.
//
// Score = sum over categories of weight_0 + weight_1/2 + weight_2/4 + ...
// with in-category matches ordered by descending weight, capped at 1.0.
// Each term counts at most once regardless of repetition in the text.
func (s *Scorer) Evaluate(text string) (float64, []string) {
	lower := strings.ToLower(text)

	byCategory := make(map[Category][]float64)
	var matched []string
	for _, t := range s.table {
		if strings.Contains(lower, t.Text) {
			byCategory[t.Category] = append(byCategory[t.Category], t.Weight)
			matched = append(matched, t.Text)
		}
	}

	score := 0.0
	for _, weights := range byCategory {
		sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
		for i, w := range weights {
			score += w / math.Pow(2, float64(i))
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	sort.Strings(matched)
	return score, matched
}
