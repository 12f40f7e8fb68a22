package ui

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/microcosm-cc/bluemonday"
	log "github.com/sirupsen/logrus"

	"task-client/auth"
	"task-client/domain"
	"task-client/export"
	"task-client/notice"
	"task-client/reconcile"
	"task-client/stream"
	"task-client/taskstore"
)

const maxBodySize = 64 << 10

// Tasks is the intent surface of the reconciliation controller.
type Tasks interface {
	Store() *taskstore.Store
	SetView(ctx context.Context, view domain.View) error
	ToggleDone(ctx context.Context, key string) error
	UpdateFields(ctx context.Context, key string, fields domain.Fields) error
	Reorder(ctx context.Context, draggedKey, targetKey string) error
	MoveLeft(ctx context.Context, key string) error
	MoveRight(ctx context.Context, key string) error
}

// Lifecycle is the part of the live channel the surrounding UI drives.
type Lifecycle interface {
	State() stream.State
	Attempts() int
	Foreground()
	Online()
	Offline()
}

// Notices lists and dismisses user-visible notices.
type Notices interface {
	List() []notice.Notice
	Dismiss(id string) bool
}

// Exports drives the CSV export.
type Exports interface {
	Start(ctx context.Context, view domain.View) (string, error)
	Current() (domain.ExportJob, bool)
	Exporting() bool
	Download(ctx context.Context) (string, error)
}

// Deps are the collaborators behind the routes. Exports is optional.
type Deps struct {
	Tasks   Tasks
	Channel Lifecycle
	Notices Notices
	Exports Exports
	Debug   bool
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) {
	policy := bluemonday.UGCPolicy()

	e.GET("/healthz", healthz())
	e.GET("/tasks", getTasks(deps.Tasks, policy))
	e.PUT("/view", putView(deps.Tasks, logger))
	e.POST("/tasks/reorder", postReorder(deps.Tasks, logger))
	e.POST("/tasks/:key/toggle", postToggle(deps.Tasks, logger))
	e.PATCH("/tasks/:key", patchTask(deps.Tasks, logger))
	e.POST("/tasks/:key/move", postMove(deps.Tasks, logger))

	e.GET("/notices", getNotices(deps.Notices))
	e.DELETE("/notices/:id", deleteNotice(deps.Notices))

	e.GET("/stream/state", getStreamState(deps.Channel))
	e.POST("/lifecycle/visibility", postVisibility(deps.Channel))
	e.POST("/lifecycle/network", postNetwork(deps.Channel))

	if deps.Exports != nil {
		e.POST("/exports", postExport(deps.Exports, deps.Tasks, logger))
		e.GET("/exports/current", getExport(deps.Exports))
		e.POST("/exports/download", postDownload(deps.Exports, logger))
	}

	if deps.Debug {
		pprof.Register(e)
	}
}

type tasksResponse struct {
	View  domain.View   `json:"view"`
	Count int           `json:"count"`
	Tasks []domain.Task `json:"tasks"`
}

type viewRequest struct {
	Status string `json:"status"`
}

type reorderRequest struct {
	DraggedID string `json:"draggedId"`
	TargetID  string `json:"targetId"`
}

type moveRequest struct {
	Direction string `json:"direction"`
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

type networkRequest struct {
	Online bool `json:"online"`
}

type streamStateResponse struct {
	State    stream.State `json:"state"`
	Attempts int          `json:"attempts"`
}

type exportResponse struct {
	Job       *domain.ExportJob `json:"job"`
	Exporting bool              `json:"exporting"`
}

type downloadResponse struct {
	Path string `json:"path"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(tasks Tasks, policy *bluemonday.Policy) echo.HandlerFunc {
	return func(c echo.Context) error {
		store := tasks.Store()
		list := store.Tasks()
		for i := range list {
			list[i].Description = policy.Sanitize(list[i].Description)
		}
		return c.JSON(http.StatusOK, tasksResponse{View: store.View(), Count: len(list), Tasks: list})
	}
}

func putView(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req viewRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		view, err := domain.ParseView(req.Status)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		if err := tasks.SetView(c.Request().Context(), view); err != nil {
			return intentError(c, logger, "view", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postToggle(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.ToggleDone(c.Request().Context(), c.Param("key")); err != nil {
			return intentError(c, logger, "toggle", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func patchTask(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var fields domain.Fields
		if err := decodeBody(c, &fields); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := tasks.UpdateFields(c.Request().Context(), c.Param("key"), fields); err != nil {
			return intentError(c, logger, "update", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postReorder(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req reorderRequest
		if err := decodeBody(c, &req); err != nil || req.DraggedID == "" || req.TargetID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := tasks.Reorder(c.Request().Context(), req.DraggedID, req.TargetID); err != nil {
			return intentError(c, logger, "reorder", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postMove(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ctx, key := c.Request().Context(), c.Param("key")
		var err error
		switch strings.ToLower(req.Direction) {
		case "left":
			err = tasks.MoveLeft(ctx, key)
		case "right":
			err = tasks.MoveRight(ctx, key)
		default:
			return c.String(http.StatusBadRequest, "direction must be left or right")
		}
		if err != nil {
			return intentError(c, logger, "move", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getNotices(notices Notices) echo.HandlerFunc {
	return func(c echo.Context) error {
		list := notices.List()
		if list == nil {
			list = []notice.Notice{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func deleteNotice(notices Notices) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !notices.Dismiss(c.Param("id")) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getStreamState(ch Lifecycle) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, streamStateResponse{State: ch.State(), Attempts: ch.Attempts()})
	}
}

func postVisibility(ch Lifecycle) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req visibilityRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Visible {
			ch.Foreground()
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postNetwork(ch Lifecycle) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req networkRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Online {
			ch.Online()
		} else {
			ch.Offline()
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postExport(exports Exports, tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := exports.Start(c.Request().Context(), tasks.Store().View()); err != nil {
			return intentError(c, logger, "export", err)
		}
		return c.JSON(http.StatusAccepted, currentExport(exports))
	}
}

func getExport(exports Exports) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, currentExport(exports))
	}
}

func postDownload(exports Exports, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		path, err := exports.Download(c.Request().Context())
		if errors.Is(err, export.ErrNotReady) {
			return c.String(http.StatusConflict, err.Error())
		}
		if err != nil {
			return intentError(c, logger, "download", err)
		}
		return c.JSON(http.StatusOK, downloadResponse{Path: path})
	}
}

func currentExport(exports Exports) exportResponse {
	resp := exportResponse{Exporting: exports.Exporting()}
	if job, ok := exports.Current(); ok {
		resp.Job = &job
	}
	return resp
}

func decodeBody(c echo.Context, out any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	return dec.Decode(out)
}

// intentError maps a failed intent to a status code. The list has already
// been rolled back and the user notified by the time it runs.
func intentError(c echo.Context, logger *log.Logger, intent string, err error) error {
	var rollback *reconcile.RollbackError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.As(err, &rollback):
		status = http.StatusConflict
	case errors.Is(err, reconcile.ErrUnknownTask):
		status = http.StatusNotFound
	case errors.Is(err, reconcile.ErrInvalidFields), errors.Is(err, reconcile.ErrNotPersisted):
		status = http.StatusBadRequest
	}
	entry := logger.WithFields(log.Fields{"intent": intent, "status": status}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("ui.intent.failed")
	} else {
		entry.Debug("ui.intent.failed")
	}
	return c.String(status, err.Error())
}
