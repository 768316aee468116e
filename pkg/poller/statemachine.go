package poller

import "github.com/3leaps/parsekit/pkg/jobstore"

// CanTransition reports whether the engine may move a job from one status
// to another.
//
//	pending    -> processing | completed | error
//	processing -> processing | completed | error
//	completed, error: terminal
func CanTransition(from, to jobstore.Status) bool {
	switch from {
	case jobstore.StatusPending:
		return to == jobstore.StatusProcessing || to == jobstore.StatusCompleted || to == jobstore.StatusError
	case jobstore.StatusProcessing:
		return to == jobstore.StatusProcessing || to == jobstore.StatusCompleted || to == jobstore.StatusError
	default:
		return false
	}
}
