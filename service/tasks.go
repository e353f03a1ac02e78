package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// TaskService implements the task procedures.
type TaskService struct {
	tasks  TaskStore
	users  UserStore
	events Publisher

	now   func() time.Time
	newID func() string
}

// NewTaskService wires the task procedures to their stores. A nil publisher
// discards change events.
func NewTaskService(tasks TaskStore, users UserStore, events Publisher) *TaskService {
	if events == nil {
		events = noopPublisher{}
	}
	return &TaskService{
		tasks:  tasks,
		users:  users,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Create validates the input and stores a task created by userID.
func (s *TaskService) Create(ctx context.Context, userID string, in domain.CreateTaskInput) (task domain.Task, err error) {
	ctx, span := startSpan(ctx, "task.create", userID)
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return domain.Task{}, domain.Unauthorized("")
	}
	in, err = in.Normalize()
	if err != nil {
		return domain.Task{}, err
	}
	if err = s.requireUser(ctx, in.AssignedTo); err != nil {
		return domain.Task{}, err
	}

	now := s.now()
	task, err = s.tasks.InsertTask(ctx, domain.NewTask{
		ID:          s.newID(),
		Title:       in.Title,
		Description: in.Description,
		AssignedTo:  in.AssignedTo,
		CreatedBy:   userID,
		Deadline:    in.Deadline,
		Priority:    in.Priority,
		Status:      in.Status,
		Tags:        in.Tags,
		CreatedAt:   now,
	})
	if err != nil {
		return domain.Task{}, domain.Persistence(err)
	}
	span.SetAttributes(attrTaskID.String(task.ID))

	s.publish(ctx, domain.TaskChange(domain.TaskCreated, userID, now, task))
	return task, nil
}

// GetAll returns every task the user created or is assigned to, newest first.
func (s *TaskService) GetAll(ctx context.Context, userID string) (tasks []domain.Task, err error) {
	ctx, span := startSpan(ctx, "task.getAll", userID)
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, domain.Unauthorized("")
	}
	all, err := s.tasks.ListTasksFor(ctx, userID)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	tasks = make([]domain.Task, 0, len(all))
	for _, t := range all {
		if t.VisibleTo(userID) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// Update applies the provided fields and stamps updatedAt. Creators and
// assignees may update; anyone else gets NOT_FOUND.
func (s *TaskService) Update(ctx context.Context, userID, id string, patch domain.TaskPatch) (task domain.Task, err error) {
	ctx, span := startSpan(ctx, "task.update", userID, attrTaskID.String(id))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return domain.Task{}, domain.Unauthorized("")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Task{}, domain.Validation("id is required")
	}
	patch, err = patch.Normalize()
	if err != nil {
		return domain.Task{}, err
	}

	current, err := s.visibleTask(ctx, userID, id)
	if err != nil {
		return domain.Task{}, err
	}
	if patch.AssignedTo != nil && *patch.AssignedTo != current.Assignee.ID {
		if err = s.requireUser(ctx, *patch.AssignedTo); err != nil {
			return domain.Task{}, err
		}
	}

	now := s.now()
	task, err = s.tasks.UpdateTask(ctx, id, patch, now)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.Task{}, domain.NotFound("task not found")
		}
		return domain.Task{}, domain.Persistence(err)
	}

	s.publish(ctx, domain.TaskChange(domain.TaskUpdated, userID, now, current, task))
	return task, nil
}

// Delete removes a task created by userID.
func (s *TaskService) Delete(ctx context.Context, userID, id string) (err error) {
	ctx, span := startSpan(ctx, "task.delete", userID, attrTaskID.String(id))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return domain.Unauthorized("")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Validation("id is required")
	}

	current, err := s.visibleTask(ctx, userID, id)
	if err != nil {
		return err
	}
	if current.CreatedBy != userID {
		return domain.Forbidden("only the creator can delete this task")
	}

	removed, err := s.tasks.DeleteTask(ctx, id, userID)
	if err != nil {
		return domain.Persistence(err)
	}
	if !removed {
		return domain.NotFound("task not found")
	}

	s.publish(ctx, domain.TaskChange(domain.TaskDeleted, userID, s.now(), current))
	return nil
}

// visibleTask loads a task and hides it from users who are neither creator
// nor assignee.
func (s *TaskService) visibleTask(ctx context.Context, userID, id string) (domain.Task, error) {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.Task{}, domain.NotFound("task not found")
		}
		return domain.Task{}, domain.Persistence(err)
	}
	if !t.VisibleTo(userID) {
		return domain.Task{}, domain.NotFound("task not found")
	}
	return t, nil
}

func (s *TaskService) requireUser(ctx context.Context, id string) error {
	if _, err := s.users.GetUser(ctx, id); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.Validation("assignee %q does not exist", id)
		}
		return domain.Persistence(err)
	}
	return nil
}

func (s *TaskService) publish(ctx context.Context, ch domain.Change) {
	if err := s.events.Publish(ctx, ch); err != nil {
		log.WithFields(log.Fields{"kind": ch.Kind, "task": ch.TaskID, "user": ch.UserID}).WithError(err).Warn("publish change failed")
	}
}
