package service

import (
	"context"
	"time"

	"taskboard/domain"
)

// TaskStore abstracts the tasks relation. Lookups that match no row return
// domain.ErrRecordNotFound.
type TaskStore interface {
	InsertTask(ctx context.Context, t domain.NewTask) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	// ListTasksFor returns the tasks created by or assigned to the user, newest first.
	ListTasksFor(ctx context.Context, userID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, updatedAt time.Time) (domain.Task, error)
	// DeleteTask removes the task only when createdBy matches and reports whether a row went away.
	DeleteTask(ctx context.Context, id, createdBy string) (bool, error)
}

// UserStore abstracts the users relation.
type UserStore interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	// ListUsersExcept returns every other user ordered by name.
	ListUsersExcept(ctx context.Context, id string) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, patch domain.ProfilePatch) (domain.User, error)
	// UpsertUser inserts the user or fills in a missing name and email.
	UpsertUser(ctx context.Context, u domain.User) (domain.User, error)
}

// Publisher receives change events after a mutation has been written.
type Publisher interface {
	Publish(ctx context.Context, ch domain.Change) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.Change) error { return nil }
