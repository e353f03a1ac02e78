package domain

import "time"

// ChangeKind names a committed mutation.
type ChangeKind string

const (
	TaskCreated    ChangeKind = "task-created"
	TaskUpdated    ChangeKind = "task-updated"
	TaskDeleted    ChangeKind = "task-deleted"
	ProfileUpdated ChangeKind = "profile-updated"
)

// Change is emitted after a mutation has been written.
type Change struct {
	Kind         ChangeKind `json:"kind"`
	TaskID       string     `json:"taskId,omitempty"`
	UserID       string     `json:"userId"`
	Participants []string   `json:"participants,omitempty"`
	At           time.Time  `json:"at"`
}

// TaskChange builds a change for a task mutation. Participants are merged from
// every version of the task involved, so a reassignment reaches both assignees.
func TaskChange(kind ChangeKind, actor string, at time.Time, versions ...Task) Change {
	ids := make([]string, 0, 2*len(versions))
	taskID := ""
	for _, t := range versions {
		if taskID == "" {
			taskID = t.ID
		}
		ids = append(ids, t.CreatedBy, t.Assignee.ID)
	}
	return Change{Kind: kind, TaskID: taskID, UserID: actor, Participants: participants(ids...), At: at}
}
