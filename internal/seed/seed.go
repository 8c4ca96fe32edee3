// Package seed loads a YAML workload of teams, members and tasks and applies
// it to a running store.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// Member is one coder inside a team. Capacity of zero leaves the member
// without a ledger entry, so it can only receive team-scoped work.
type Member struct {
	ID       string `yaml:"id"`
	Capacity int    `yaml:"capacity"`
}

// Team is a group sharing a capacity pool.
type Team struct {
	ID       string   `yaml:"id"`
	Capacity int      `yaml:"capacity"`
	Members  []Member `yaml:"members"`
}

// Task is a task to create unassigned.
type Task struct {
	ID       string          `yaml:"id"`
	MRN      string          `yaml:"mrn"`
	Name     string          `yaml:"name"`
	Priority domain.Priority `yaml:"priority"`
}

// Workload is the seed file document.
type Workload struct {
	Teams []Team `yaml:"teams"`
	Tasks []Task `yaml:"tasks"`
}

// Target receives the workload. *workflow.Service satisfies it.
type Target interface {
	ProvisionCapacity(ctx context.Context, key capacity.Key, total int) (capacity.Entry, error)
	CreateTask(ctx context.Context, task *domain.Task) error
}

// Summary counts what Apply wrote.
type Summary struct {
	Teams   int
	Members int
	Tasks   int
}

// Parse decodes and validates a workload document. Unknown keys are errors.
func Parse(data []byte) (Workload, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Workload{}, fmt.Errorf("seed: workload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var w Workload
	if err := dec.Decode(&w); err != nil && err != io.EOF {
		return Workload{}, fmt.Errorf("seed: decode workload: %w", err)
	}
	if err := w.Validate(); err != nil {
		return Workload{}, err
	}
	return w, nil
}

// LoadFile reads and parses a workload file.
func LoadFile(path string) (Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	w, err := Parse(data)
	if err != nil {
		return Workload{}, fmt.Errorf("seed: %s: %w", path, err)
	}
	return w, nil
}

// Validate rejects duplicate ids, negative capacities and unknown priorities.
func (w Workload) Validate() error {
	teams := make(map[string]struct{}, len(w.Teams))
	members := make(map[string]struct{})
	for _, t := range w.Teams {
		if strings.TrimSpace(t.ID) == "" {
			return &domain.ValidationError{Field: "teams.id", Reason: "required"}
		}
		if _, dup := teams[t.ID]; dup {
			return &domain.ValidationError{Field: "teams.id", Reason: fmt.Sprintf("team %s listed twice", t.ID)}
		}
		teams[t.ID] = struct{}{}
		if t.Capacity < 0 {
			return &domain.ValidationError{Field: "teams.capacity", Reason: fmt.Sprintf("team %s: must not be negative", t.ID)}
		}
		for _, m := range t.Members {
			if strings.TrimSpace(m.ID) == "" {
				return &domain.ValidationError{Field: "members.id", Reason: fmt.Sprintf("team %s: member id required", t.ID)}
			}
			if _, dup := members[m.ID]; dup {
				return &domain.ValidationError{Field: "members.id", Reason: fmt.Sprintf("member %s listed twice", m.ID)}
			}
			members[m.ID] = struct{}{}
			if m.Capacity < 0 {
				return &domain.ValidationError{Field: "members.capacity", Reason: fmt.Sprintf("member %s: must not be negative", m.ID)}
			}
		}
	}

	tasks := make(map[string]struct{}, len(w.Tasks))
	for _, t := range w.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return &domain.ValidationError{Field: "tasks.id", Reason: "required"}
		}
		if _, dup := tasks[t.ID]; dup {
			return &domain.ValidationError{Field: "tasks.id", Reason: fmt.Sprintf("task %s listed twice", t.ID)}
		}
		tasks[t.ID] = struct{}{}
		switch t.Priority {
		case "", domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
		default:
			return &domain.ValidationError{Field: "tasks.priority", Reason: fmt.Sprintf("task %s: unknown priority %q", t.ID, t.Priority)}
		}
	}
	return nil
}

// Apply provisions every team and member entry, then creates the tasks.
// It stops at the first failure; entries already provisioned stay.
func Apply(ctx context.Context, target Target, w Workload, now time.Time) (Summary, error) {
	var sum Summary
	for _, t := range w.Teams {
		if _, err := target.ProvisionCapacity(ctx, capacity.TeamKey(t.ID), t.Capacity); err != nil {
			return sum, fmt.Errorf("seed: provision team %s: %w", t.ID, err)
		}
		sum.Teams++
		for _, m := range t.Members {
			if m.Capacity == 0 {
				continue
			}
			if _, err := target.ProvisionCapacity(ctx, capacity.MemberKey(m.ID), m.Capacity); err != nil {
				return sum, fmt.Errorf("seed: provision member %s: %w", m.ID, err)
			}
			sum.Members++
		}
	}
	for _, t := range w.Tasks {
		task := domain.NewTask(t.ID, t.MRN, t.Name, t.Priority, now)
		if err := target.CreateTask(ctx, task); err != nil {
			return sum, fmt.Errorf("seed: create task %s: %w", t.ID, err)
		}
		sum.Tasks++
	}
	return sum, nil
}
