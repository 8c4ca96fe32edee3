package lifecycle

import "github.com/ramiqadoumi/go-chart-flow/internal/domain"

const (
	LabelHold            = "Hold"
	LabelRehold          = "Rehold"
	LabelReadyToComplete = "Ready to Complete"
)

// reholdThreshold is the escalation count from which a hold reads as Rehold.
const reholdThreshold = 2

// HoldLabel names a hold by its escalation count.
func HoldLabel(escalationCount int) string {
	if escalationCount >= reholdThreshold {
		return LabelRehold
	}
	return LabelHold
}

// NextHoldLabel is the label the hold action carries before it is taken.
func NextHoldLabel(task *domain.Task) string {
	return HoldLabel(task.HoldEscalationCount + 1)
}

// StatusLabel is the display text for a task's current state.
func StatusLabel(task *domain.Task) string {
	switch task.Status {
	case domain.StatusOnHold, domain.StatusRehold:
		return HoldLabel(task.HoldEscalationCount)
	case domain.StatusAssigned:
		if task.ReadyToComplete {
			return LabelReadyToComplete
		}
		return "Assigned"
	case domain.StatusUnassigned:
		return "Unassigned"
	case domain.StatusUnderQA:
		return "Under QA"
	case domain.StatusCompleted:
		return "Completed"
	}
	return string(task.Status)
}
