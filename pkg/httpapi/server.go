// Package httpapi exposes the trigger boundary of a flowgraph engine over
// HTTP.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/petrijr/flowgraph/pkg/api"
	"github.com/petrijr/flowgraph/pkg/worker"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Engine api.Engine

	// Worker, when set, enables asynchronous triggers (?async=true):
	// the trigger is enqueued and 202 Accepted is returned.
	Worker *worker.Worker
}

// NewServer creates a new Server.
func NewServer(engine api.Engine, w *worker.Worker) *Server {
	return &Server{Engine: engine, Worker: w}
}

// Register mounts the routes on g.
func (s *Server) Register(g *echo.Group) {
	g.POST("/workflows/:name/instances", s.StartInstance)
	g.GET("/instances", s.ListInstances)
	g.GET("/instances/:id", s.GetInstance)
	g.POST("/instances/:id/resume", s.ResumeInstance)
	g.POST("/instances/:id/cancel", s.CancelInstance)
	g.GET("/instances/:id/events", s.ListEvents)
	g.POST("/signals/:key", s.Signal)
}

// NewEcho returns an echo instance serving s under /api/v1, with request
// logging to logger, panic recovery and OpenTelemetry instrumentation.
func NewEcho(s *Server, logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("flowgraph"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.Any("error", v.Error),
			)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.Register(e.Group("/api/v1"))
	return e
}

// httpError maps engine errors to HTTP errors.
func httpError(err error) error {
	switch {
	case errors.Is(err, api.ErrUnknownWorkflow), errors.Is(err, api.ErrInstanceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, api.ErrWorkflowInstanceLocked):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, api.ErrLeaseLost):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, api.ErrGraphInconsistency):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// AwaitingView is the JSON form of an awaiting activity.
type AwaitingView struct {
	ActivityID     string    `json:"activity_id"`
	CorrelationKey string    `json:"correlation_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// InstanceView is the JSON form of a workflow instance.
type InstanceView struct {
	ID              string         `json:"id"`
	Workflow        string         `json:"workflow"`
	Status          api.Status     `json:"status"`
	Input           any            `json:"input,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Awaiting        []AwaitingView `json:"awaiting"`
	Error           string         `json:"error,omitempty"`
	FaultedActivity string         `json:"faulted_activity,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func instanceView(inst *api.WorkflowInstance) *InstanceView {
	if inst == nil {
		return nil
	}
	v := &InstanceView{
		ID:              inst.ID,
		Workflow:        inst.Name,
		Status:          inst.Status,
		Input:           inst.Input,
		Outputs:         inst.Outputs,
		Awaiting:        make([]AwaitingView, 0, len(inst.Awaiting)),
		FaultedActivity: inst.FaultedActivity,
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
	}
	if inst.Err != nil {
		v.Error = inst.Err.Error()
	}
	for _, a := range inst.Awaiting {
		v.Awaiting = append(v.Awaiting, AwaitingView{
			ActivityID:     a.ActivityID,
			CorrelationKey: a.CorrelationKey,
			CreatedAt:      a.CreatedAt,
		})
	}
	return v
}

// RunView is the JSON form of a RunResult. Error is set when the pass
// faulted.
type RunView struct {
	Code     api.ResultCode `json:"code"`
	Instance *InstanceView  `json:"instance,omitempty"`
	Executed []string       `json:"executed"`
	Blocked  []string       `json:"blocked"`
	Error    string         `json:"error,omitempty"`
}

func runView(res *api.RunResult, err error) RunView {
	v := RunView{
		Code:     res.Code,
		Instance: instanceView(res.Instance),
		Executed: append([]string{}, res.Executed...),
		Blocked:  append([]string{}, res.Blocked...),
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

// EventView is the JSON form of a history event.
type EventView struct {
	At         time.Time     `json:"at"`
	Type       api.EventType `json:"type"`
	ActivityID string        `json:"activity_id,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// SignalView is the response of a signal. Errors lists the instances whose
// resume failed without a result; Retry marks those that were locked by
// another pass.
type SignalView struct {
	Results []RunView           `json:"results"`
	Errors  []InstanceErrorView `json:"errors,omitempty"`
}

// InstanceErrorView is the JSON form of one failed resume.
type InstanceErrorView struct {
	InstanceID string `json:"instance_id"`
	ActivityID string `json:"activity_id"`
	Error      string `json:"error"`
	Retry      bool   `json:"retry"`
}

// TaskView is returned by asynchronous triggers.
type TaskView struct {
	TaskID string `json:"task_id"`
}
