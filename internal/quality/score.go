// Package quality turns QA error findings into section and overall scores.
//
// Every section starts at 100 and loses PointValue × Count per finding,
// floored at 0. The overall percentage is the simple average of the three
// section percentages, each section weighted equally. Percentages are
// rounded half away from zero to two decimals.
package quality

import (
	"fmt"
	"math"
	"strings"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// Section is one independently scored area of a chart review.
type Section string

const (
	SectionCoding Section = "CODING"
	SectionOasis  Section = "OASIS"
	SectionPOC    Section = "POC"
)

// Sections lists every section in display order.
var Sections = []Section{SectionCoding, SectionOasis, SectionPOC}

// ParseSection accepts any casing of a section name.
func ParseSection(s string) (Section, error) {
	sec := Section(strings.ToUpper(strings.TrimSpace(s)))
	if !sec.Valid() {
		return "", &domain.ValidationError{Field: "section", Reason: fmt.Sprintf("unknown section %q", s)}
	}
	return sec, nil
}

// Valid reports whether s is a known section.
func (s Section) Valid() bool {
	return s == SectionCoding || s == SectionOasis || s == SectionPOC
}

const perfectScore = 100.0

// Finding is one error category recorded against a section.
type Finding struct {
	Section    Section `json:"section"`
	Category   string  `json:"category"`
	PointValue float64 `json:"point_value"`
	Count      int     `json:"count"`
}

// Validate checks that the finding can be scored.
func (f Finding) Validate() error {
	if !f.Section.Valid() {
		return &domain.ValidationError{Field: "section", Reason: fmt.Sprintf("unknown section %q", f.Section)}
	}
	if f.PointValue < 0 || math.IsNaN(f.PointValue) || math.IsInf(f.PointValue, 0) {
		return &domain.ValidationError{Field: "point_value", Reason: "must be a non-negative number"}
	}
	if f.Count < 0 {
		return &domain.ValidationError{Field: "count", Reason: "must not be negative"}
	}
	return nil
}

// Points is the deduction this finding contributes.
func (f Finding) Points() float64 { return f.PointValue * float64(f.Count) }

// Result is a points total and the percentage it leaves.
type Result struct {
	TotalPoints float64 `json:"total_points"`
	Percentage  float64 `json:"percentage"`
}

// Score is the full QA score for a task.
type Score struct {
	Sections      map[Section]Result `json:"sections"`
	Overall       Result             `json:"overall"`
	ExternalScore *int               `json:"external_score,omitempty"`
}

// ComputeSectionScore sums the deductions of the findings in section.
// Findings from other sections are ignored.
func ComputeSectionScore(section Section, findings []Finding) (Result, error) {
	if !section.Valid() {
		return Result{}, &domain.ValidationError{Field: "section", Reason: fmt.Sprintf("unknown section %q", section)}
	}
	total := 0.0
	for _, f := range findings {
		if f.Section != section {
			continue
		}
		if err := f.Validate(); err != nil {
			return Result{}, err
		}
		total += f.Points()
	}
	return Result{
		TotalPoints: round2(total),
		Percentage:  round2(clamp(perfectScore-total, 0, perfectScore)),
	}, nil
}

// ComputeOverallScore scores every section and averages them.
func ComputeOverallScore(findings []Finding) (Score, error) {
	for _, f := range findings {
		if err := f.Validate(); err != nil {
			return Score{}, err
		}
	}
	score := Score{Sections: make(map[Section]Result, len(Sections))}
	var points, pct float64
	for _, s := range Sections {
		r, err := ComputeSectionScore(s, findings)
		if err != nil {
			return Score{}, err
		}
		score.Sections[s] = r
		points += r.TotalPoints
		pct += r.Percentage
	}
	score.Overall = Result{
		TotalPoints: round2(points),
		Percentage:  round2(pct / float64(len(Sections))),
	}
	return score, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
