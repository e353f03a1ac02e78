package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const defaultKeepAlive = 25 * time.Second

type invalidation struct {
	Kind   domain.ChangeKind `json:"kind"`
	TaskID string            `json:"taskId,omitempty"`
}

// streamChanges tells a connected client which of its data went stale. The
// client refetches through the procedures.
func streamChanges(d Deps) echo.HandlerFunc {
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return func(c echo.Context) error {
		id, err := resolveSession(c, d.Auth, d.Cookie, true)
		if err != nil {
			return writeError(c, domain.Unauthorized(""))
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return writeError(c, &domain.Error{Code: domain.CodeInternal, Message: "stream unsupported"})
		}

		ctx := c.Request().Context()
		changes, release := d.Changes.Subscribe(ctx, id.UserID)
		defer release()

		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(c.Response(), ": connected\n\n"); err != nil {
			return nil
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := fmt.Fprint(c.Response(), ": ping\n\n"); err != nil {
					return nil
				}
			case ch, ok := <-changes:
				if !ok {
					return nil
				}
				data, err := sonic.Marshal(invalidation{Kind: ch.Kind, TaskID: ch.TaskID})
				if err != nil {
					c.Logger().Error(err)
					return nil
				}
				if _, err := fmt.Fprintf(c.Response(), "event: invalidate\ndata: %s\n\n", data); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}
