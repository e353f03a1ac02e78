package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskboard/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT,
	avatar_url TEXT,
	role       TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tasks (
	id          UUID PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT,
	assigned_to TEXT NOT NULL REFERENCES users(id),
	created_by  TEXT NOT NULL REFERENCES users(id),
	deadline    TIMESTAMPTZ,
	priority    TEXT NOT NULL CHECK (priority IN ('LOW', 'MEDIUM', 'HIGH')),
	status      TEXT NOT NULL CHECK (status IN ('TODO', 'IN_PROGRESS', 'DONE')),
	tags        TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tasks_assigned_to_idx ON tasks (assigned_to);
CREATE INDEX IF NOT EXISTS tasks_created_by_idx ON tasks (created_by);
CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at DESC);
`

// taskSelect joins the assignee and creator rows onto a tasks relation aliased t.
const taskSelect = `SELECT t.id::text, t.title, t.description, t.created_by, t.deadline, t.priority, t.status,
	t.tags, t.created_at, t.updated_at,
	a.id, a.name, a.email, a.avatar_url, a.role,
	c.id, c.name, c.email, c.avatar_url, c.role`

const taskJoin = ` JOIN users a ON a.id = t.assigned_to JOIN users c ON c.id = t.created_by`

const userColumns = `id, name, email, avatar_url, role, created_at`

// Postgres stores tasks and users in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, errors.New("postgres: missing database url")
	}
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) InsertTask(ctx context.Context, t domain.NewTask) (domain.Task, error) {
	row := p.pool.QueryRow(ctx, `WITH t AS (
		INSERT INTO tasks (id, title, description, assigned_to, created_by, deadline, priority, status, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING *
	) `+taskSelect+` FROM t`+taskJoin,
		t.ID, t.Title, t.Description, t.AssignedTo, t.CreatedBy, t.Deadline,
		string(t.Priority), string(t.Status), cloneTags(t.Tags), t.CreatedAt)
	task, err := scanTask(row)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (domain.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Task{}, domain.ErrRecordNotFound
	}
	task, err := scanTask(p.pool.QueryRow(ctx, taskSelect+` FROM tasks t`+taskJoin+` WHERE t.id = $1`, id))
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (p *Postgres) ListTasksFor(ctx context.Context, userID string) ([]domain.Task, error) {
	rows, err := p.pool.Query(ctx, taskSelect+` FROM tasks t`+taskJoin+`
		WHERE t.assigned_to = $1 OR t.created_by = $1
		ORDER BY t.created_at DESC, t.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (p *Postgres) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, updatedAt time.Time) (domain.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Task{}, domain.ErrRecordNotFound
	}
	set := newSetClause(id)
	set.add("updated_at", updatedAt)
	if patch.Title != nil {
		set.add("title", *patch.Title)
	}
	if patch.Description.Set {
		set.add("description", patch.Description.Ptr())
	}
	if patch.AssignedTo != nil {
		set.add("assigned_to", *patch.AssignedTo)
	}
	if patch.Deadline.Set {
		set.add("deadline", patch.Deadline.Ptr())
	}
	if patch.Priority != nil {
		set.add("priority", string(*patch.Priority))
	}
	if patch.Status != nil {
		set.add("status", string(*patch.Status))
	}
	if patch.Tags.Set {
		set.add("tags", cloneTags(patch.Tags.Value))
	}

	query := `WITH t AS (UPDATE tasks SET ` + set.String() + ` WHERE id = $1 RETURNING *) ` + taskSelect + ` FROM t` + taskJoin
	task, err := scanTask(p.pool.QueryRow(ctx, query, set.args...))
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	return task, nil
}

func (p *Postgres) DeleteTask(ctx context.Context, id, createdBy string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND created_by = $2`, id, createdBy)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (p *Postgres) ListUsersExcept(ctx context.Context, id string) ([]domain.User, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id <> $1 ORDER BY name, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (p *Postgres) UpdateUser(ctx context.Context, id string, patch domain.ProfilePatch) (domain.User, error) {
	if patch.Empty() {
		return p.GetUser(ctx, id)
	}
	set := newSetClause(id)
	if patch.Name != nil {
		set.add("name", *patch.Name)
	}
	if patch.Email != nil {
		set.add("email", *patch.Email)
	}
	if patch.AvatarURL != nil {
		set.add("avatar_url", *patch.AvatarURL)
	}
	u, err := scanUser(p.pool.QueryRow(ctx, `UPDATE users SET `+set.String()+` WHERE id = $1 RETURNING `+userColumns, set.args...))
	if err != nil {
		return domain.User{}, fmt.Errorf("update user %s: %w", id, err)
	}
	return u, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, in domain.User) (domain.User, error) {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	u, err := scanUser(p.pool.QueryRow(ctx, `INSERT INTO users (id, name, email, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN users.name = '' THEN EXCLUDED.name ELSE users.name END,
			email = COALESCE(users.email, EXCLUDED.email)
		RETURNING `+userColumns, in.ID, in.Name, in.Email, createdAt))
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user %s: %w", in.ID, err)
	}
	return u, nil
}

// setClause accumulates "col = $n" assignments after the leading arguments.
type setClause struct {
	parts []string
	args  []any
}

func newSetClause(leading ...any) *setClause {
	return &setClause{args: leading}
}

func (s *setClause) add(column string, value any) {
	s.args = append(s.args, value)
	s.parts = append(s.parts, fmt.Sprintf("%s = $%d", column, len(s.args)))
}

func (s *setClause) String() string { return strings.Join(s.parts, ", ") }

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		t                    domain.Task
		priority, status     string
		aEmail, aAvatar, aRl *string
		cEmail, cAvatar, cRl *string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.CreatedBy, &t.Deadline, &priority, &status,
		&t.Tags, &t.CreatedAt, &t.UpdatedAt,
		&t.Assignee.ID, &t.Assignee.Name, &aEmail, &aAvatar, &aRl,
		&t.Creator.ID, &t.Creator.Name, &cEmail, &cAvatar, &cRl)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, domain.ErrRecordNotFound
		}
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	t.Status = domain.Status(status)
	t.Tags = cloneTags(t.Tags)
	t.Assignee.Email, t.Assignee.AvatarURL, t.Assignee.Role = derefString(aEmail), derefString(aAvatar), derefString(aRl)
	t.Creator.Email, t.Creator.AvatarURL, t.Creator.Role = derefString(cEmail), derefString(cAvatar), derefString(cRl)
	if t.Deadline != nil {
		d := t.Deadline.UTC()
		t.Deadline = &d
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u                   domain.User
		email, avatar, role *string
	)
	if err := row.Scan(&u.ID, &u.Name, &email, &avatar, &role, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrRecordNotFound
		}
		return domain.User{}, err
	}
	u.Email, u.AvatarURL, u.Role = derefString(email), derefString(avatar), derefString(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}
