package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskboard/domain"
)

const (
	taskPartition = "task"
	userPartition = "user"

	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"

	// Table Storage keeps DateTime values in 100ns ticks.
	edmDateTimeLayout = "2006-01-02T15:04:05.0000000Z"
)

// Tables stores tasks and users in Azure Table Storage. Joins and ordering
// happen in process because the service has no server-side joins.
type Tables struct {
	service   *aztables.ServiceClient
	taskTable *aztables.Client
	userTable *aztables.Client
}

// NewTables creates table clients from a storage connection string.
func NewTables(connStr, tasksTable, usersTable string) (*Tables, error) {
	if connStr == "" || tasksTable == "" || usersTable == "" {
		return nil, errors.New("aztables: missing connection string or table names")
	}
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, fmt.Errorf("aztables: %w", err)
	}
	return &Tables{service: svc, taskTable: svc.NewClient(tasksTable), userTable: svc.NewClient(usersTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Title          string `json:"Title"`
	Description    string `json:"Description,omitempty"`
	HasDescription bool   `json:"HasDescription"`
	AssignedTo     string `json:"AssignedTo"`
	CreatedBy      string `json:"CreatedBy"`
	Deadline       string `json:"Deadline,omitempty"`
	DeadlineType   string `json:"Deadline@odata.type,omitempty"`
	Priority       string `json:"Priority"`
	Status         string `json:"Status"`
	Tags           string `json:"Tags"`
	CreatedAt      int64  `json:"CreatedAt,string"`
	CreatedAtType  string `json:"CreatedAt@odata.type"`
	UpdatedAt      int64  `json:"UpdatedAt,string"`
	UpdatedAtType  string `json:"UpdatedAt@odata.type"`
}

type userEntity struct {
	aztables.Entity
	Name          string `json:"Name"`
	Email         string `json:"Email,omitempty"`
	AvatarURL     string `json:"AvatarURL,omitempty"`
	Role          string `json:"Role,omitempty"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

// userUpdate merges only the provided profile fields.
type userUpdate struct {
	PartitionKey string  `json:"PartitionKey"`
	RowKey       string  `json:"RowKey"`
	Name         *string `json:"Name,omitempty"`
	Email        *string `json:"Email,omitempty"`
	AvatarURL    *string `json:"AvatarURL,omitempty"`
}

func (e userEntity) toDomain() domain.User {
	return domain.User{
		ID:        e.RowKey,
		Name:      e.Name,
		Email:     e.Email,
		AvatarURL: e.AvatarURL,
		Role:      e.Role,
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
	}
}

func newTaskEntity(t domain.NewTask) (taskEntity, error) {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return taskEntity{}, err
	}
	ent := taskEntity{
		Entity:        aztables.Entity{PartitionKey: taskPartition, RowKey: t.ID},
		Title:         t.Title,
		AssignedTo:    t.AssignedTo,
		CreatedBy:     t.CreatedBy,
		Priority:      string(t.Priority),
		Status:        string(t.Status),
		Tags:          tags,
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.CreatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
	ent.setDescription(t.Description)
	ent.setDeadline(t.Deadline)
	return ent, nil
}

func (e *taskEntity) setDescription(d *string) {
	e.HasDescription = d != nil
	e.Description = derefString(d)
}

func (e *taskEntity) setDeadline(d *time.Time) {
	if d == nil {
		e.Deadline, e.DeadlineType = "", ""
		return
	}
	e.Deadline = d.UTC().Truncate(100 * time.Nanosecond).Format(edmDateTimeLayout)
	e.DeadlineType = edmDateTime
}

func (e *taskEntity) apply(patch domain.TaskPatch, updatedAt time.Time) error {
	if patch.Title != nil {
		e.Title = *patch.Title
	}
	if patch.Description.Set {
		e.setDescription(patch.Description.Ptr())
	}
	if patch.AssignedTo != nil {
		e.AssignedTo = *patch.AssignedTo
	}
	if patch.Deadline.Set {
		e.setDeadline(patch.Deadline.Ptr())
	}
	if patch.Priority != nil {
		e.Priority = string(*patch.Priority)
	}
	if patch.Status != nil {
		e.Status = string(*patch.Status)
	}
	if patch.Tags.Set {
		tags, err := encodeTags(patch.Tags.Value)
		if err != nil {
			return err
		}
		e.Tags = tags
	}
	e.UpdatedAt, e.UpdatedAtType = updatedAt.UnixNano(), edmInt64
	return nil
}

func (e taskEntity) toDomain(assignee, creator domain.User) (domain.Task, error) {
	tags := []string{}
	if e.Tags != "" {
		if err := sonic.UnmarshalString(e.Tags, &tags); err != nil {
			return domain.Task{}, fmt.Errorf("decode tags of task %s: %w", e.RowKey, err)
		}
	}
	t := domain.Task{
		ID:        e.RowKey,
		Title:     e.Title,
		Assignee:  assignee.Ref(),
		Creator:   creator.Ref(),
		CreatedBy: e.CreatedBy,
		Priority:  domain.Priority(e.Priority),
		Status:    domain.Status(e.Status),
		Tags:      cloneTags(tags),
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, e.UpdatedAt).UTC(),
	}
	if e.HasDescription {
		d := e.Description
		t.Description = &d
	}
	if e.Deadline != "" {
		d, err := time.Parse(time.RFC3339Nano, e.Deadline)
		if err != nil {
			return domain.Task{}, fmt.Errorf("decode deadline of task %s: %w", e.RowKey, err)
		}
		d = d.UTC()
		t.Deadline = &d
	}
	return t, nil
}

func (s *Tables) Migrate(ctx context.Context) error {
	for _, c := range []*aztables.Client{s.taskTable, s.userTable} {
		if _, err := c.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return fmt.Errorf("aztables: create table: %w", err)
			}
		}
	}
	return nil
}

func (s *Tables) Ping(ctx context.Context) error {
	_, err := s.userTable.GetEntity(ctx, userPartition, "healthz", nil)
	if err == nil || isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (s *Tables) Close() error { return nil }

func (s *Tables) InsertTask(ctx context.Context, t domain.NewTask) (domain.Task, error) {
	ent, err := newTaskEntity(t)
	if err != nil {
		return domain.Task{}, err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.join(ctx, ent, newUserLookup(s))
}

func (s *Tables) GetTask(ctx context.Context, id string) (domain.Task, error) {
	ent, _, err := s.getTaskEntity(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return s.join(ctx, ent, newUserLookup(s))
}

func (s *Tables) ListTasksFor(ctx context.Context, userID string) ([]domain.Task, error) {
	u := quoteODataString(userID)
	filter := fmt.Sprintf("PartitionKey eq '%s' and (AssignedTo eq '%s' or CreatedBy eq '%s')", taskPartition, u, u)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	users := newUserLookup(s)
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("list tasks: %w", err)
			}
			t, err := s.join(ctx, ent, users)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// UpdateTask replaces the entity under its ETag and re-applies the patch to a
// fresh copy when another writer got there first, so concurrent updates to
// different fields both survive.
func (s *Tables) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, updatedAt time.Time) (domain.Task, error) {
	for {
		ent, etag, err := s.getTaskEntity(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if err := ent.apply(patch, updatedAt); err != nil {
			return domain.Task{}, err
		}
		payload, err := sonic.Marshal(ent)
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case err == nil:
			return s.join(ctx, ent, newUserLookup(s))
		case isStatus(err, http.StatusPreconditionFailed):
			continue
		case isStatus(err, http.StatusNotFound):
			return domain.Task{}, domain.ErrRecordNotFound
		default:
			return domain.Task{}, fmt.Errorf("update task %s: %w", id, err)
		}
	}
}

// DeleteTask deletes under the ETag of the version whose creator was checked.
func (s *Tables) DeleteTask(ctx context.Context, id, createdBy string) (bool, error) {
	ent, etag, err := s.getTaskEntity(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if ent.CreatedBy != createdBy {
		return false, nil
	}
	_, err = s.taskTable.DeleteEntity(ctx, taskPartition, id, &aztables.DeleteEntityOptions{IfMatch: &etag})
	if err != nil {
		if isStatus(err, http.StatusNotFound) || isStatus(err, http.StatusPreconditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	return true, nil
}

func (s *Tables) GetUser(ctx context.Context, id string) (domain.User, error) {
	ent, err := s.getUserEntity(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	return ent.toDomain(), nil
}

func (s *Tables) ListUsersExcept(ctx context.Context, id string) ([]domain.User, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ne '%s'", userPartition, quoteODataString(id))
	pager := s.userTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, raw := range resp.Entities {
			var ent userEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("list users: %w", err)
			}
			users = append(users, ent.toDomain())
		}
	}
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (s *Tables) UpdateUser(ctx context.Context, id string, patch domain.ProfilePatch) (domain.User, error) {
	if patch.Empty() {
		return s.GetUser(ctx, id)
	}
	payload, err := sonic.Marshal(userUpdate{
		PartitionKey: userPartition,
		RowKey:       id,
		Name:         patch.Name,
		Email:        patch.Email,
		AvatarURL:    patch.AvatarURL,
	})
	if err != nil {
		return domain.User{}, err
	}
	etag := azcore.ETagAny
	_, err = s.userTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.User{}, domain.ErrRecordNotFound
		}
		return domain.User{}, fmt.Errorf("update user %s: %w", id, err)
	}
	return s.GetUser(ctx, id)
}

func (s *Tables) UpsertUser(ctx context.Context, in domain.User) (domain.User, error) {
	for {
		ent, err := s.getUserEntity(ctx, in.ID)
		if errors.Is(err, domain.ErrRecordNotFound) {
			createdAt := in.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			ent = userEntity{
				Entity:        aztables.Entity{PartitionKey: userPartition, RowKey: in.ID},
				Name:          in.Name,
				Email:         in.Email,
				CreatedAt:     createdAt.UnixNano(),
				CreatedAtType: edmInt64,
			}
			payload, err := sonic.Marshal(ent)
			if err != nil {
				return domain.User{}, err
			}
			if _, err := s.userTable.AddEntity(ctx, payload, nil); err != nil {
				if isStatus(err, http.StatusConflict) {
					continue
				}
				return domain.User{}, fmt.Errorf("upsert user %s: %w", in.ID, err)
			}
			return ent.toDomain(), nil
		}
		if err != nil {
			return domain.User{}, err
		}

		upd := userUpdate{PartitionKey: userPartition, RowKey: in.ID}
		if ent.Name == "" && in.Name != "" {
			upd.Name, ent.Name = &in.Name, in.Name
		}
		if ent.Email == "" && in.Email != "" {
			upd.Email, ent.Email = &in.Email, in.Email
		}
		if upd.Name == nil && upd.Email == nil {
			return ent.toDomain(), nil
		}
		payload, err := sonic.Marshal(upd)
		if err != nil {
			return domain.User{}, err
		}
		etag := azcore.ETagAny
		if _, err := s.userTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge}); err != nil {
			return domain.User{}, fmt.Errorf("upsert user %s: %w", in.ID, err)
		}
		return ent.toDomain(), nil
	}
}

// getTaskEntity treats ids that are not task UUIDs as missing rows, so
// characters Table Storage rejects in a RowKey never reach the service.
func (s *Tables) getTaskEntity(ctx context.Context, id string) (taskEntity, azcore.ETag, error) {
	if _, err := uuid.Parse(id); err != nil {
		return taskEntity{}, "", domain.ErrRecordNotFound
	}
	resp, err := s.taskTable.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return taskEntity{}, "", domain.ErrRecordNotFound
		}
		return taskEntity{}, "", fmt.Errorf("get task %s: %w", id, err)
	}
	var ent taskEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return taskEntity{}, "", fmt.Errorf("get task %s: %w", id, err)
	}
	return ent, resp.ETag, nil
}

func (s *Tables) getUserEntity(ctx context.Context, id string) (userEntity, error) {
	resp, err := s.userTable.GetEntity(ctx, userPartition, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return userEntity{}, domain.ErrRecordNotFound
		}
		return userEntity{}, fmt.Errorf("get user %s: %w", id, err)
	}
	var ent userEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return userEntity{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return ent, nil
}

func (s *Tables) join(ctx context.Context, ent taskEntity, users *userLookup) (domain.Task, error) {
	assignee, err := users.get(ctx, ent.AssignedTo)
	if err != nil {
		return domain.Task{}, err
	}
	creator, err := users.get(ctx, ent.CreatedBy)
	if err != nil {
		return domain.Task{}, err
	}
	return ent.toDomain(assignee, creator)
}

// userLookup memoizes user rows for the duration of one call.
type userLookup struct {
	tables *Tables
	seen   map[string]domain.User
}

func newUserLookup(t *Tables) *userLookup {
	return &userLookup{tables: t, seen: map[string]domain.User{}}
}

// get returns a bare reference when the user row is gone, mirroring a left join.
func (l *userLookup) get(ctx context.Context, id string) (domain.User, error) {
	if u, ok := l.seen[id]; ok {
		return u, nil
	}
	u, err := l.tables.GetUser(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrRecordNotFound) {
			return domain.User{}, err
		}
		u = domain.User{ID: id}
	}
	l.seen[id] = u
	return u, nil
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func quoteODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
