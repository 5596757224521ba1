package pipeline

import "time"

// RefreshPriority orders users for background refresh. High-priority users
// refresh most often.
type RefreshPriority string

const (
	PriorityHigh   RefreshPriority = "high"
	PriorityNormal RefreshPriority = "normal"
	PriorityLow    RefreshPriority = "low"
)

const (
	// highActivityWindow: users who interacted this recently refresh at the
	// quick interval.
	highActivityWindow = 5 * time.Minute
	// normalActivityWindow: users who interacted this recently refresh at
	// the normal interval.
	normalActivityWindow = time.Hour
	// maxConsecutiveErrors pins a user to low priority until a refresh
	// succeeds.
	maxConsecutiveErrors = 3
)

// Activity is the pipeline's per-user tracking record. It is the only
// mutable pipeline state and persists across restarts through the
// ActivityStore.
type Activity struct {
	UserID            string          `json:"user_id" bson:"user_id"`
	LastInteractionAt time.Time       `json:"last_interaction_at" bson:"last_interaction_at"`
	LastRefreshAt     time.Time       `json:"last_refresh_at" bson:"last_refresh_at"`
	RefreshPriority   RefreshPriority `json:"refresh_priority" bson:"refresh_priority"`
	ConsecutiveErrors int             `json:"consecutive_errors" bson:"consecutive_errors"`
}

// DerivePriority computes a refresh priority from the time since the user's
// last interaction and their error streak. It is a pure function of its
// inputs: repeated refresh failures pin the user to low until a success
// resets the streak, otherwise recency alone decides.
func DerivePriority(sinceInteraction time.Duration, consecutiveErrors int) RefreshPriority {
	if consecutiveErrors >= maxConsecutiveErrors {
		return PriorityLow
	}
	switch {
	case sinceInteraction < highActivityWindow:
		return PriorityHigh
	case sinceInteraction < normalActivityWindow:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// rank maps a priority to the config interval rank (0 high, 1 normal, 2 low).
func (p RefreshPriority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// priorityOf derives the activity's current refresh priority at the given
// instant.
func priorityOf(act *Activity, now time.Time) RefreshPriority {
	since := now.Sub(act.LastInteractionAt)
	if act.LastInteractionAt.IsZero() {
		since = normalActivityWindow // never-seen interaction counts as idle
	}
	return DerivePriority(since, act.ConsecutiveErrors)
}
