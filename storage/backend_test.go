package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskboard/domain"
)

// runBackendSuite exercises the behaviour every Backend shares. Ids are unique
// per run so the suite can share a database with other runs.
func runBackendSuite(t *testing.T, open func(t *testing.T) Backend) {
	t.Helper()

	t.Run("MigrateTwice", func(t *testing.T) {
		b := open(t)
		if err := b.Migrate(context.Background()); err != nil {
			t.Fatalf("second migrate: %v", err)
		}
		if err := b.Ping(context.Background()); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})

	t.Run("Users", func(t *testing.T) {
		testBackendUsers(t, open(t))
	})
	t.Run("InsertAndGet", func(t *testing.T) {
		testBackendInsertAndGet(t, open(t))
	})
	t.Run("ListTasksFor", func(t *testing.T) {
		testBackendList(t, open(t))
	})
	t.Run("UpdateTask", func(t *testing.T) {
		testBackendUpdate(t, open(t))
	})
	t.Run("DeleteTask", func(t *testing.T) {
		testBackendDelete(t, open(t))
	})
}

func suiteID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

var suiteEpoch = time.Date(2025, 3, 14, 9, 26, 53, 589000000, time.UTC)

func seedUser(t *testing.T, b Backend, id, name, email string) domain.User {
	t.Helper()
	u, err := b.UpsertUser(context.Background(), domain.User{ID: id, Name: name, Email: email, CreatedAt: suiteEpoch})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}

func seedTask(t *testing.T, b Backend, title, assignee, creator string, createdAt time.Time) domain.Task {
	t.Helper()
	task, err := b.InsertTask(context.Background(), domain.NewTask{
		ID:         uuid.NewString(),
		Title:      title,
		AssignedTo: assignee,
		CreatedBy:  creator,
		Priority:   domain.PriorityMedium,
		Status:     domain.StatusTodo,
		Tags:       []string{},
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("seed task %q: %v", title, err)
	}
	return task
}

func testBackendUsers(t *testing.T, b Backend) {
	ctx := context.Background()
	alice := suiteID("alice")
	bob := suiteID("bob")

	u := seedUser(t, b, alice, "", "alice@example.com")
	if u.Name != "" || u.Email != "alice@example.com" {
		t.Fatalf("unexpected seeded user: %#v", u)
	}

	// a later sync fills the missing name but keeps the stored email
	u, err := b.UpsertUser(ctx, domain.User{ID: alice, Name: "Alice", Email: "other@example.com"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if u.Name != "Alice" || u.Email != "alice@example.com" {
		t.Fatalf("upsert overwrote stored fields: %#v", u)
	}

	name := "Alice Liddell"
	avatar := "https://example.com/a.png"
	u, err = b.UpdateUser(ctx, alice, domain.ProfilePatch{Name: &name, AvatarURL: &avatar})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if u.Name != name || u.AvatarURL != avatar || u.Email != "alice@example.com" {
		t.Fatalf("unexpected updated user: %#v", u)
	}

	if _, err := b.UpdateUser(ctx, suiteID("ghost"), domain.ProfilePatch{Name: &name}); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound updating missing user, got %v", err)
	}
	if _, err := b.GetUser(ctx, suiteID("ghost")); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	seedUser(t, b, bob, "Bob", "")
	others, err := b.ListUsersExcept(ctx, alice)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	var sawBob bool
	for _, o := range others {
		if o.ID == alice {
			t.Fatalf("caller must be excluded from team members")
		}
		if o.ID == bob {
			sawBob = true
		}
	}
	if !sawBob {
		t.Fatalf("expected %s among team members: %#v", bob, others)
	}
}

func testBackendInsertAndGet(t *testing.T, b Backend) {
	ctx := context.Background()
	alice := suiteID("alice")
	bob := suiteID("bob")
	seedUser(t, b, alice, "Alice", "alice@example.com")
	seedUser(t, b, bob, "Bob", "bob@example.com")

	desc := "quarterly numbers"
	deadline := suiteEpoch.Add(72 * time.Hour)
	created, err := b.InsertTask(ctx, domain.NewTask{
		ID:          uuid.NewString(),
		Title:       "Write report",
		Description: &desc,
		AssignedTo:  bob,
		CreatedBy:   alice,
		Deadline:    &deadline,
		Priority:    domain.PriorityHigh,
		Status:      domain.StatusInProgress,
		Tags:        []string{"finance", "q1"},
		CreatedAt:   suiteEpoch,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := b.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Write report" || got.Description == nil || *got.Description != desc {
		t.Fatalf("unexpected task: %#v", got)
	}
	if got.Assignee.ID != bob || got.Assignee.Name != "Bob" || got.Creator.Name != "Alice" || got.CreatedBy != alice {
		t.Fatalf("users not joined: %#v", got)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Fatalf("unexpected deadline: %v", got.Deadline)
	}
	if !got.CreatedAt.Equal(suiteEpoch) || !got.UpdatedAt.Equal(suiteEpoch) {
		t.Fatalf("unexpected timestamps: %v %v", got.CreatedAt, got.UpdatedAt)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "finance" || got.Tags[1] != "q1" {
		t.Fatalf("unexpected tags: %#v", got.Tags)
	}

	bare := seedTask(t, b, "No extras", alice, alice, suiteEpoch)
	if bare.Description != nil || bare.Deadline != nil || bare.Tags == nil || len(bare.Tags) != 0 {
		t.Fatalf("unexpected optional fields: %#v", bare)
	}

	if _, err := b.GetTask(ctx, uuid.NewString()); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := b.GetTask(ctx, "not/a#uuid?"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound for malformed id, got %v", err)
	}
}

func testBackendList(t *testing.T, b Backend) {
	ctx := context.Background()
	alice := suiteID("alice")
	bob := suiteID("bob")
	carol := suiteID("carol")
	for _, id := range []string{alice, bob, carol} {
		seedUser(t, b, id, id, "")
	}

	oldest := seedTask(t, b, "created by alice", bob, alice, suiteEpoch)
	newest := seedTask(t, b, "assigned to alice", alice, bob, suiteEpoch.Add(2*time.Hour))
	seedTask(t, b, "unrelated", carol, bob, suiteEpoch.Add(time.Hour))

	tasks, err := b.ListTasksFor(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d: %#v", len(tasks), tasks)
	}
	if tasks[0].ID != newest.ID || tasks[1].ID != oldest.ID {
		t.Fatalf("expected newest first, got %s then %s", tasks[0].Title, tasks[1].Title)
	}

	none, err := b.ListTasksFor(ctx, suiteID("nobody"))
	if err != nil {
		t.Fatalf("list for stranger: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", none)
	}
}

func testBackendUpdate(t *testing.T, b Backend) {
	ctx := context.Background()
	alice := suiteID("alice")
	bob := suiteID("bob")
	seedUser(t, b, alice, "Alice", "")
	seedUser(t, b, bob, "Bob", "")

	task := seedTask(t, b, "Draft", alice, alice, suiteEpoch)
	desc := "first pass"
	title := "Final"
	status := domain.StatusDone
	later := suiteEpoch.Add(time.Hour)

	updated, err := b.UpdateTask(ctx, task.ID, domain.TaskPatch{
		Title:       &title,
		Description: domain.Nullable[string]{Set: true, Value: desc},
		AssignedTo:  &bob,
		Status:      &status,
		Tags:        domain.Nullable[[]string]{Set: true, Value: []string{"done"}},
	}, later)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.Status != status || updated.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected update: %#v", updated)
	}
	if updated.Description == nil || *updated.Description != desc {
		t.Fatalf("description not set: %v", updated.Description)
	}
	if updated.Assignee.ID != bob || updated.Assignee.Name != "Bob" {
		t.Fatalf("assignee not joined: %#v", updated.Assignee)
	}
	if !updated.UpdatedAt.Equal(later) || !updated.CreatedAt.Equal(suiteEpoch) {
		t.Fatalf("unexpected timestamps: %v %v", updated.CreatedAt, updated.UpdatedAt)
	}

	cleared, err := b.UpdateTask(ctx, task.ID, domain.TaskPatch{
		Description: domain.Nullable[string]{Set: true, Null: true},
		Tags:        domain.Nullable[[]string]{Set: true, Null: true},
	}, later.Add(time.Minute))
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.Description != nil || len(cleared.Tags) != 0 || cleared.Title != title {
		t.Fatalf("unexpected cleared task: %#v", cleared)
	}

	if _, err := b.UpdateTask(ctx, uuid.NewString(), domain.TaskPatch{Title: &title}, later); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func testBackendDelete(t *testing.T, b Backend) {
	ctx := context.Background()
	alice := suiteID("alice")
	bob := suiteID("bob")
	seedUser(t, b, alice, "Alice", "")
	seedUser(t, b, bob, "Bob", "")

	task := seedTask(t, b, "Ship it", bob, alice, suiteEpoch)

	removed, err := b.DeleteTask(ctx, task.ID, bob)
	if err != nil {
		t.Fatalf("delete as assignee: %v", err)
	}
	if removed {
		t.Fatalf("assignee must not delete")
	}
	if _, err := b.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("task should still exist: %v", err)
	}

	removed, err = b.DeleteTask(ctx, task.ID, alice)
	if err != nil || !removed {
		t.Fatalf("delete as creator: removed=%v err=%v", removed, err)
	}
	if _, err := b.GetTask(ctx, task.ID); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected task gone, got %v", err)
	}

	removed, err = b.DeleteTask(ctx, task.ID, alice)
	if err != nil || removed {
		t.Fatalf("second delete: removed=%v err=%v", removed, err)
	}
}
