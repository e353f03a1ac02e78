package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"taskboard/domain"
)

type taskRow struct {
	domain.NewTask
	UpdatedAt time.Time
}

// fakeStore is an in-memory TaskStore and UserStore that joins user refs the
// same way the SQL backends do.
type fakeStore struct {
	mu     sync.Mutex
	tasks  map[string]taskRow
	users  map[string]domain.User
	writes int
	err    error
}

func newFakeStore(users ...domain.User) *fakeStore {
	fs := &fakeStore{tasks: map[string]taskRow{}, users: map[string]domain.User{}}
	for _, u := range users {
		fs.users[u.ID] = u
	}
	return fs
}

func (f *fakeStore) join(r taskRow) domain.Task {
	tags := append([]string{}, r.Tags...)
	return domain.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Assignee:    f.users[r.AssignedTo].Ref(),
		Creator:     f.users[r.CreatedBy].Ref(),
		CreatedBy:   r.CreatedBy,
		Deadline:    r.Deadline,
		Priority:    r.Priority,
		Status:      r.Status,
		Tags:        tags,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (f *fakeStore) InsertTask(ctx context.Context, t domain.NewTask) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Task{}, f.err
	}
	f.writes++
	row := taskRow{NewTask: t, UpdatedAt: t.CreatedAt}
	f.tasks[t.ID] = row
	return f.join(row), nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Task{}, f.err
	}
	row, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrRecordNotFound
	}
	return f.join(row), nil
}

func (f *fakeStore) ListTasksFor(ctx context.Context, userID string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := []domain.Task{}
	for _, row := range f.tasks {
		if row.CreatedBy == userID || row.AssignedTo == userID {
			out = append(out, f.join(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, updatedAt time.Time) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Task{}, f.err
	}
	row, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrRecordNotFound
	}
	f.writes++
	patched := patch.Apply(f.join(row))
	row.Title = patched.Title
	row.Description = patched.Description
	row.AssignedTo = patched.Assignee.ID
	row.Deadline = patched.Deadline
	row.Priority = patched.Priority
	row.Status = patched.Status
	row.Tags = patched.Tags
	row.UpdatedAt = updatedAt
	f.tasks[id] = row
	return f.join(row), nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id, createdBy string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	row, ok := f.tasks[id]
	if !ok || row.CreatedBy != createdBy {
		return false, nil
	}
	f.writes++
	delete(f.tasks, id)
	return true, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrRecordNotFound
	}
	return u, nil
}

func (f *fakeStore) ListUsersExcept(ctx context.Context, id string) ([]domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := []domain.User{}
	for _, u := range f.users {
		if u.ID != id {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) UpdateUser(ctx context.Context, id string, patch domain.ProfilePatch) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrRecordNotFound
	}
	f.writes++
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Email != nil {
		u.Email = *patch.Email
	}
	if patch.AvatarURL != nil {
		u.AvatarURL = *patch.AvatarURL
	}
	f.users[id] = u
	return u, nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.User{}, f.err
	}
	f.writes++
	existing, ok := f.users[u.ID]
	if !ok {
		f.users[u.ID] = u
		return u, nil
	}
	if existing.Name == "" {
		existing.Name = u.Name
	}
	if existing.Email == "" {
		existing.Email = u.Email
	}
	f.users[u.ID] = existing
	return existing, nil
}

func (f *fakeStore) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []domain.Change
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, ch domain.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, ch)
	return p.err
}

func (p *recordingPublisher) Changes() []domain.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Change(nil), p.changes...)
}

var errStoreDown = errors.New("store down")
