package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"taskboard/domain"
)

type userModel struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Name      string    `gorm:"not null;default:''"`
	Email     *string   `gorm:"size:320"`
	AvatarURL *string   `gorm:"column:avatar_url"`
	Role      *string   `gorm:"size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (userModel) TableName() string { return "users" }

func (m userModel) toDomain() domain.User {
	return domain.User{
		ID:        m.ID,
		Name:      m.Name,
		Email:     derefString(m.Email),
		AvatarURL: derefString(m.AvatarURL),
		Role:      derefString(m.Role),
		CreatedAt: m.CreatedAt.UTC(),
	}
}

type taskModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	Title       string `gorm:"not null"`
	Description *string
	AssignedTo  string `gorm:"size:128;not null;index"`
	CreatedBy   string `gorm:"size:128;not null;index"`
	Deadline    *time.Time
	Priority    string    `gorm:"size:16;not null"`
	Status      string    `gorm:"size:16;not null"`
	Tags        string    `gorm:"not null;default:'[]'"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
	Assignee    userModel `gorm:"foreignKey:AssignedTo;references:ID"`
	Creator     userModel `gorm:"foreignKey:CreatedBy;references:ID"`
}

func (taskModel) TableName() string { return "tasks" }

func (m taskModel) toDomain() (domain.Task, error) {
	tags := []string{}
	if m.Tags != "" {
		if err := sonic.UnmarshalString(m.Tags, &tags); err != nil {
			return domain.Task{}, fmt.Errorf("decode tags of task %s: %w", m.ID, err)
		}
	}
	t := domain.Task{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Assignee:    m.Assignee.toDomain().Ref(),
		Creator:     m.Creator.toDomain().Ref(),
		CreatedBy:   m.CreatedBy,
		Priority:    domain.Priority(m.Priority),
		Status:      domain.Status(m.Status),
		Tags:        cloneTags(tags),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
	if m.Deadline != nil {
		d := m.Deadline.UTC()
		t.Deadline = &d
	}
	return t, nil
}

func encodeTags(tags []string) (string, error) {
	return sonic.MarshalString(cloneTags(tags))
}

// SQLite stores tasks and users in an embedded SQLite database through gorm.
// It serves local development and tests.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens the database file at path; ":memory:" gives a private
// in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "taskboard.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	sqlDB.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&userModel{}, &taskModel{}); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) withUsers(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Preload("Assignee").Preload("Creator")
}

func (s *SQLite) InsertTask(ctx context.Context, t domain.NewTask) (domain.Task, error) {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return domain.Task{}, err
	}
	m := taskModel{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		AssignedTo:  t.AssignedTo,
		CreatedBy:   t.CreatedBy,
		Deadline:    t.Deadline,
		Priority:    string(t.Priority),
		Status:      string(t.Status),
		Tags:        tags,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&m).Error; err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, t.ID)
}

func (s *SQLite) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var m taskModel
	if err := s.withUsers(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Task{}, domain.ErrRecordNotFound
		}
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return m.toDomain()
}

func (s *SQLite) ListTasksFor(ctx context.Context, userID string) ([]domain.Task, error) {
	var rows []taskModel
	err := s.withUsers(ctx).
		Where("assigned_to = ? OR created_by = ?", userID, userID).
		Order("created_at DESC").Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, m := range rows {
		t, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, updatedAt time.Time) (domain.Task, error) {
	changes := map[string]any{"updated_at": updatedAt}
	if patch.Title != nil {
		changes["title"] = *patch.Title
	}
	if patch.Description.Set {
		changes["description"] = patch.Description.Ptr()
	}
	if patch.AssignedTo != nil {
		changes["assigned_to"] = *patch.AssignedTo
	}
	if patch.Deadline.Set {
		changes["deadline"] = patch.Deadline.Ptr()
	}
	if patch.Priority != nil {
		changes["priority"] = string(*patch.Priority)
	}
	if patch.Status != nil {
		changes["status"] = string(*patch.Status)
	}
	if patch.Tags.Set {
		tags, err := encodeTags(patch.Tags.Value)
		if err != nil {
			return domain.Task{}, err
		}
		changes["tags"] = tags
	}

	res := s.db.WithContext(ctx).Model(&taskModel{}).Where("id = ?", id).Updates(changes)
	if res.Error != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Task{}, domain.ErrRecordNotFound
	}
	return s.GetTask(ctx, id)
}

func (s *SQLite) DeleteTask(ctx context.Context, id, createdBy string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND created_by = ?", id, createdBy).Delete(&taskModel{})
	if res.Error != nil {
		return false, fmt.Errorf("delete task %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQLite) GetUser(ctx context.Context, id string) (domain.User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, domain.ErrRecordNotFound
		}
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return m.toDomain(), nil
}

func (s *SQLite) ListUsersExcept(ctx context.Context, id string) ([]domain.User, error) {
	var rows []userModel
	if err := s.db.WithContext(ctx).Where("id <> ?", id).Order("name").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]domain.User, 0, len(rows))
	for _, m := range rows {
		users = append(users, m.toDomain())
	}
	return users, nil
}

func (s *SQLite) UpdateUser(ctx context.Context, id string, patch domain.ProfilePatch) (domain.User, error) {
	changes := map[string]any{}
	if patch.Name != nil {
		changes["name"] = *patch.Name
	}
	if patch.Email != nil {
		changes["email"] = *patch.Email
	}
	if patch.AvatarURL != nil {
		changes["avatar_url"] = *patch.AvatarURL
	}
	if len(changes) == 0 {
		return s.GetUser(ctx, id)
	}
	res := s.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", id).Updates(changes)
	if res.Error != nil {
		return domain.User{}, fmt.Errorf("update user %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.User{}, domain.ErrRecordNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *SQLite) UpsertUser(ctx context.Context, in domain.User) (domain.User, error) {
	var out userModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&out, "id = ?", in.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			createdAt := in.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			out = userModel{ID: in.ID, Name: in.Name, Email: optionalString(in.Email), CreatedAt: createdAt}
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}
		changes := map[string]any{}
		if out.Name == "" && in.Name != "" {
			changes["name"] = in.Name
			out.Name = in.Name
		}
		if out.Email == nil && in.Email != "" {
			changes["email"] = in.Email
			out.Email = optionalString(in.Email)
		}
		if len(changes) == 0 {
			return nil
		}
		return tx.Model(&userModel{}).Where("id = ?", in.ID).Updates(changes).Error
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user %s: %w", in.ID, err)
	}
	return out.toDomain(), nil
}
