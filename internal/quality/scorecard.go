package quality

import "github.com/ramiqadoumi/go-chart-flow/internal/domain"

const (
	minExternalScore = 0
	maxExternalScore = 100
)

// Scorecard holds the findings recorded for one task and the manually
// entered external score. The score is never cached; Score recomputes it.
type Scorecard struct {
	TaskID   string
	Findings []Finding
	external *int
}

// NewScorecard returns an empty scorecard for taskID.
func NewScorecard(taskID string) *Scorecard {
	return &Scorecard{TaskID: taskID}
}

// AddFinding validates and appends a finding.
func (c *Scorecard) AddFinding(f Finding) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.Findings = append(c.Findings, f)
	return nil
}

// SetExternalScore records the externally assigned score.
func (c *Scorecard) SetExternalScore(v int) error {
	if v < minExternalScore || v > maxExternalScore {
		return &domain.OutOfRangeError{Field: "external score", Value: v, Min: minExternalScore, Max: maxExternalScore}
	}
	c.external = &v
	return nil
}

// ExternalScore returns the external score and whether one was set.
func (c *Scorecard) ExternalScore() (int, bool) {
	if c.external == nil {
		return 0, false
	}
	return *c.external, true
}

// Score recomputes the full score from the current findings.
func (c *Scorecard) Score() (Score, error) {
	s, err := ComputeOverallScore(c.Findings)
	if err != nil {
		return Score{}, err
	}
	if v, ok := c.ExternalScore(); ok {
		s.ExternalScore = &v
	}
	return s, nil
}
