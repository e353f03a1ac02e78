package storage

import (
	"context"
	"fmt"
	"time"

	"taskboard/domain"
)

// Backend is a task and user store. Lookups that match no row return
// domain.ErrRecordNotFound.
type Backend interface {
	InsertTask(ctx context.Context, t domain.NewTask) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasksFor(ctx context.Context, userID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, updatedAt time.Time) (domain.Task, error)
	DeleteTask(ctx context.Context, id, createdBy string) (bool, error)

	GetUser(ctx context.Context, id string) (domain.User, error)
	ListUsersExcept(ctx context.Context, id string) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, patch domain.ProfilePatch) (domain.User, error)
	UpsertUser(ctx context.Context, u domain.User) (domain.User, error)

	// Migrate creates the tables the backend needs. It is safe to run twice.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverTables   = "aztables"
)

// Options selects and configures a backend.
type Options struct {
	Driver string

	DatabaseURL string
	SQLitePath  string

	ConnectionString string
	TasksTable       string
	UsersTable       string
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case DriverPostgres:
		return NewPostgres(ctx, opts.DatabaseURL)
	case DriverSQLite:
		return NewSQLite(opts.SQLitePath)
	case DriverTables:
		return NewTables(opts.ConnectionString, opts.TasksTable, opts.UsersTable)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return append([]string{}, tags...)
}
