package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/events"
)

// TaskService runs the task procedures for an authenticated caller.
type TaskService interface {
	Create(ctx context.Context, userID string, in domain.CreateTaskInput) (domain.Task, error)
	GetAll(ctx context.Context, userID string) ([]domain.Task, error)
	Update(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error)
	Delete(ctx context.Context, userID, id string) error
}

// UserService runs the user procedures for an authenticated caller.
type UserService interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	UpdateProfile(ctx context.Context, userID string, patch domain.ProfilePatch) (domain.Profile, error)
	GetTeamMembers(ctx context.Context, userID string) ([]domain.Profile, error)
	Sync(ctx context.Context, id domain.Identity) (domain.Profile, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps is everything Register needs. Changes and Health are optional.
type Deps struct {
	Tasks     TaskService
	Users     UserService
	Auth      Authenticator
	Cookie    string
	Changes   events.Subscriber
	KeepAlive time.Duration
	Health    Pinger
	Logger    *log.Logger
}

type updateTaskInput struct {
	ID   string           `json:"id"`
	Data domain.TaskPatch `json:"data"`
}

type deleteTaskInput struct {
	ID string `json:"id"`
}

type deleteTaskResult struct {
	Success bool `json:"success"`
}

type noInput struct{}

// Register wires up every procedure on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	rpc := e.Group("/rpc")

	rpc.POST("/task.create", procedure(d, "task.create", true, func(ctx context.Context, id domain.Identity, in domain.CreateTaskInput) (domain.Task, error) {
		return d.Tasks.Create(ctx, id.UserID, in)
	}))
	rpc.GET("/task.getAll", procedure(d, "task.getAll", false, func(ctx context.Context, id domain.Identity, _ noInput) ([]domain.Task, error) {
		return d.Tasks.GetAll(ctx, id.UserID)
	}))
	rpc.POST("/task.update", procedure(d, "task.update", true, func(ctx context.Context, id domain.Identity, in updateTaskInput) (domain.Task, error) {
		return d.Tasks.Update(ctx, id.UserID, in.ID, in.Data)
	}))
	rpc.POST("/task.delete", procedure(d, "task.delete", true, func(ctx context.Context, id domain.Identity, in deleteTaskInput) (deleteTaskResult, error) {
		if err := d.Tasks.Delete(ctx, id.UserID, in.ID); err != nil {
			return deleteTaskResult{}, err
		}
		return deleteTaskResult{Success: true}, nil
	}))

	rpc.GET("/user.getProfile", procedure(d, "user.getProfile", false, func(ctx context.Context, id domain.Identity, _ noInput) (domain.Profile, error) {
		return d.Users.GetProfile(ctx, id.UserID)
	}))
	rpc.POST("/user.updateProfile", procedure(d, "user.updateProfile", true, func(ctx context.Context, id domain.Identity, in domain.ProfilePatch) (domain.Profile, error) {
		return d.Users.UpdateProfile(ctx, id.UserID, in)
	}))
	rpc.GET("/user.getTeamMembers", procedure(d, "user.getTeamMembers", false, func(ctx context.Context, id domain.Identity, _ noInput) ([]domain.Profile, error) {
		return d.Users.GetTeamMembers(ctx, id.UserID)
	}))
	rpc.POST("/user.sync", procedure(d, "user.sync", false, func(ctx context.Context, id domain.Identity, _ noInput) (domain.Profile, error) {
		return d.Users.Sync(ctx, id)
	}))

	if d.Changes != nil {
		rpc.GET("/stream", streamChanges(d))
	}
	e.GET("/healthz", healthz(d.Health))
}

// procedure wraps call with the session gate, input decoding, the response
// envelope and per-request metrics.
func procedure[In, Out any](d Deps, name string, hasInput bool, call func(context.Context, domain.Identity, In) (Out, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := newProcedureMetrics(d.Logger, name)
		var procErr error
		defer func() {
			metrics.Log(c.Response().Status, procErr)
		}()

		authStart := time.Now()
		id, authErr := resolveSession(c, d.Auth, d.Cookie, false)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			procErr = domain.Unauthorized("")
			return writeError(c, procErr)
		}
		metrics.SetUser(id.UserID)

		var in In
		if hasInput {
			if err := decodeInput(c, &in); err != nil {
				metrics.SetErrorStage("decode")
				procErr = err
				return writeError(c, err)
			}
		}

		callStart := time.Now()
		out, err := call(c.Request().Context(), id, in)
		metrics.ObserveCall(time.Since(callStart))
		if err != nil {
			metrics.SetErrorStage("call")
			procErr = err
			if domain.CodeOf(err) == domain.CodeInternal {
				d.Logger.WithFields(log.Fields{"procedure": name, "user": id.UserID}).WithError(err).Error("procedure failed")
			}
			return writeError(c, err)
		}
		if n, ok := countItems(out); ok {
			metrics.SetItemsReturned(n)
		}

		encodeStart := time.Now()
		err = writeResult(c, out)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
			procErr = err
		}
		return err
	}
}

func countItems(v any) (int, bool) {
	switch items := v.(type) {
	case []domain.Task:
		return len(items), true
	case []domain.Profile:
		return len(items), true
	}
	return 0, false
}

func healthz(store Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if store == nil {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			log.WithError(err).Warn("health check failed")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
