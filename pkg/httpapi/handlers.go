package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/petrijr/flowgraph/pkg/api"
)

// StartRequest is the body of StartInstance.
type StartRequest struct {
	Input any `json:"input"`
}

// ResumeRequest is the body of ResumeInstance.
type ResumeRequest struct {
	ActivityID     string `json:"activity_id"`
	CorrelationKey string `json:"correlation_key"`
	Input          any    `json:"input"`
}

// SignalRequest is the body of Signal.
type SignalRequest struct {
	Input any `json:"input"`
}

func (s *Server) async(c echo.Context) (bool, error) {
	if c.QueryParam("async") != "true" {
		return false, nil
	}
	if s.Worker == nil {
		return false, echo.NewHTTPError(http.StatusNotImplemented, "asynchronous triggers are not enabled")
	}
	return true, nil
}

// runResponse writes a RunResult. A faulted pass still checkpoints the
// instance, so its error is reported in the body.
func runResponse(c echo.Context, status int, res *api.RunResult, err error) error {
	if res == nil {
		return httpError(err)
	}
	if res.Code == api.ResultStaleSignal {
		status = http.StatusConflict
	}
	return c.JSON(status, runView(res, err))
}

// StartInstance starts an instance of a workflow
// (POST /api/v1/workflows/:name/instances)
func (s *Server) StartInstance(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	async, err := s.async(c)
	if err != nil {
		return err
	}
	if async {
		id, err := s.Worker.EnqueueStart(ctx, name, req.Input)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusAccepted, TaskView{TaskID: id})
	}

	res, err := s.Engine.Start(ctx, name, req.Input)
	return runResponse(c, http.StatusCreated, res, err)
}

// ListInstances lists instances, filtered by ?workflow= and ?status=
// (GET /api/v1/instances)
func (s *Server) ListInstances(c echo.Context) error {
	insts, err := s.Engine.ListInstances(c.Request().Context(), api.InstanceListOptions{
		WorkflowName: c.QueryParam("workflow"),
		Status:       api.Status(c.QueryParam("status")),
	})
	if err != nil {
		return httpError(err)
	}
	out := make([]*InstanceView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, instanceView(inst))
	}
	return c.JSON(http.StatusOK, out)
}

// GetInstance returns one instance
// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.Engine.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, instanceView(inst))
}

// ResumeInstance resumes one awaiting activity of an instance
// (POST /api/v1/instances/:id/resume)
func (s *Server) ResumeInstance(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ActivityID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "activity_id is required")
	}

	async, err := s.async(c)
	if err != nil {
		return err
	}
	if async {
		taskID, err := s.Worker.EnqueueResume(ctx, id, req.ActivityID, req.CorrelationKey, req.Input)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusAccepted, TaskView{TaskID: taskID})
	}

	res, err := s.Engine.Resume(ctx, id, req.ActivityID, req.CorrelationKey, req.Input)
	return runResponse(c, http.StatusOK, res, err)
}

// CancelInstance cancels an instance
// (POST /api/v1/instances/:id/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	inst, err := s.Engine.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, instanceView(inst))
}

// Signal resumes every idle instance awaiting a correlation key
// (POST /api/v1/signals/:key)
func (s *Server) Signal(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	async, err := s.async(c)
	if err != nil {
		return err
	}
	if async {
		id, err := s.Worker.EnqueueSignal(ctx, key, req.Input)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusAccepted, TaskView{TaskID: id})
	}

	results, err := s.Engine.Signal(ctx, key, req.Input)
	failures := api.InstanceErrors(err)
	if err != nil && len(failures) == 0 {
		return httpError(err)
	}

	faulted := make(map[string]bool)
	for _, res := range results {
		if res.Code == api.ResultFaulted && res.Instance != nil {
			faulted[res.Instance.ID] = true
		}
	}

	view := SignalView{Results: make([]RunView, 0, len(results))}
	faults := make(map[string]error)
	status := http.StatusOK
	for _, f := range failures {
		if faulted[f.InstanceID] {
			faults[f.InstanceID] = f.Err
			continue
		}
		locked := errors.Is(f.Err, api.ErrWorkflowInstanceLocked)
		view.Errors = append(view.Errors, InstanceErrorView{
			InstanceID: f.InstanceID,
			ActivityID: f.ActivityID,
			Error:      f.Err.Error(),
			Retry:      locked,
		})
		switch {
		case locked:
			status = http.StatusLocked
		case status == http.StatusOK:
			status = http.StatusMultiStatus
		}
	}
	for _, res := range results {
		var fault error
		if res.Instance != nil {
			fault = faults[res.Instance.ID]
		}
		view.Results = append(view.Results, runView(res, fault))
	}
	return c.JSON(status, view)
}

// ListEvents returns the history of an instance
// (GET /api/v1/instances/:id/events)
func (s *Server) ListEvents(c echo.Context) error {
	hr, ok := s.Engine.(api.HistoryReader)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "engine does not record history")
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.Engine.GetInstance(ctx, id); err != nil {
		return httpError(err)
	}
	events, err := hr.ListEvents(ctx, id)
	if err != nil {
		return httpError(err)
	}
	out := make([]EventView, 0, len(events))
	for _, ev := range events {
		out = append(out, EventView{At: ev.At, Type: ev.Type, ActivityID: ev.ActivityID, Detail: ev.Detail})
	}
	return c.JSON(http.StatusOK, out)
}
