package store

import "qms/clinic-queue/internal/models"

const (
	ActionCallNext = "call_next"
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
)

var transitionMap = map[string][]string{
	ActionCallNext: {models.StatusWaiting},
	ActionStart:    {models.StatusCalled},
	ActionComplete: {models.StatusCalled, models.StatusInProgress},
	ActionCancel:   {models.StatusWaiting, models.StatusCalled, models.StatusInProgress},
}

var actionTarget = map[string]string{
	ActionCallNext: models.StatusCalled,
	ActionStart:    models.StatusInProgress,
	ActionComplete: models.StatusCompleted,
	ActionCancel:   models.StatusCancelled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status a token ends in after action.
func TargetStatus(action string) (string, bool) {
	status, ok := actionTarget[action]
	return status, ok
}
