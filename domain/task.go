package domain

import (
	"strings"
	"time"
)

// Priority ranks how urgent a task is.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Status is the progress state of a task. Any status may follow any other.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// UserRef is the user summary embedded in task payloads.
type UserRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Task is a unit of work visible to its creator and its assignee.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Assignee    UserRef    `json:"assignee"`
	Creator     UserRef    `json:"creator"`
	CreatedBy   string     `json:"createdBy"`
	Deadline    *time.Time `json:"deadline"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Tags        []string   `json:"tags"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// VisibleTo reports whether the user is the creator or the assignee.
func (t Task) VisibleTo(userID string) bool {
	return userID != "" && (t.CreatedBy == userID || t.Assignee.ID == userID)
}

// Participants lists the distinct users a change to the task concerns.
func (t Task) Participants() []string {
	return participants(t.CreatedBy, t.Assignee.ID)
}

// NewTask is the row written by a create call.
type NewTask struct {
	ID          string
	Title       string
	Description *string
	AssignedTo  string
	CreatedBy   string
	Deadline    *time.Time
	Priority    Priority
	Status      Status
	Tags        []string
	CreatedAt   time.Time
}

// CreateTaskInput is the payload of task.create.
type CreateTaskInput struct {
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	AssignedTo  string     `json:"assignedTo"`
	Deadline    *time.Time `json:"deadline"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Tags        []string   `json:"tags"`
}

// Normalize validates the input and fills in defaults.
func (in CreateTaskInput) Normalize() (CreateTaskInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return in, Validation("title is required")
	}
	in.AssignedTo = strings.TrimSpace(in.AssignedTo)
	if in.AssignedTo == "" {
		return in, Validation("assignedTo is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return in, Validation("invalid priority %q", in.Priority)
	}
	if in.Status == "" {
		in.Status = StatusTodo
	}
	if !in.Status.Valid() {
		return in, Validation("invalid status %q", in.Status)
	}
	if in.Deadline != nil && !ValidDeadline(*in.Deadline) {
		return in, Validation("deadline out of range")
	}
	in.Tags = NormalizeTags(in.Tags)
	return in, nil
}

var (
	minDeadline = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDeadline = time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ValidDeadline reports whether d lies in years 1601 through 9999, the range
// every storage backend keeps without loss.
func ValidDeadline(d time.Time) bool {
	return !d.Before(minDeadline) && d.Before(maxDeadline)
}

// TaskPatch carries the fields of a task.update call. Absent fields are left
// untouched; Description and Deadline may be cleared with an explicit null.
type TaskPatch struct {
	Title       *string             `json:"title"`
	Description Nullable[string]    `json:"description"`
	AssignedTo  *string             `json:"assignedTo"`
	Deadline    Nullable[time.Time] `json:"deadline"`
	Priority    *Priority           `json:"priority"`
	Status      *Status             `json:"status"`
	Tags        Nullable[[]string]  `json:"tags"`
}

// Normalize validates the patch. A null tags value clears the set.
func (p TaskPatch) Normalize() (TaskPatch, error) {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return p, Validation("title must not be empty")
		}
		p.Title = &title
	}
	if p.AssignedTo != nil {
		assignee := strings.TrimSpace(*p.AssignedTo)
		if assignee == "" {
			return p, Validation("assignedTo must not be empty")
		}
		p.AssignedTo = &assignee
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return p, Validation("invalid priority %q", *p.Priority)
	}
	if p.Status != nil && !p.Status.Valid() {
		return p, Validation("invalid status %q", *p.Status)
	}
	if p.Deadline.Set && !p.Deadline.Null && !ValidDeadline(p.Deadline.Value) {
		return p, Validation("deadline out of range")
	}
	if p.Tags.Set {
		p.Tags = Value(NormalizeTags(p.Tags.Value))
	}
	return p, nil
}

// Apply returns t with the patch applied. It does not touch UpdatedAt or the
// joined user references.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description.Set {
		t.Description = p.Description.Ptr()
	}
	if p.AssignedTo != nil {
		t.Assignee = UserRef{ID: *p.AssignedTo}
	}
	if p.Deadline.Set {
		t.Deadline = p.Deadline.Ptr()
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Tags.Set {
		t.Tags = append([]string{}, p.Tags.Value...)
	}
	return t
}

// NormalizeTags trims tags, drops blanks and duplicates and keeps the order of
// first occurrence. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func participants(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			if existing == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}
