package httpapi

import (
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

type location struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

func (l location) toAPI() api.Location {
	return api.Location{Address: l.Address, Lat: l.Lat, Lng: l.Lng}
}

type monitorRequest struct {
	DeliveryID       string    `json:"deliveryId"`
	RouteID          string    `json:"routeId"`
	CustomerID       string    `json:"customerId"`
	CustomerEmail    string    `json:"customerEmail"`
	CustomerPhone    string    `json:"customerPhone"`
	Origin           location  `json:"origin"`
	Destination      location  `json:"destination"`
	ScheduledTime    time.Time `json:"scheduledTime"`
	ThresholdMinutes int       `json:"thresholdMinutes"`
}

func (m monitorRequest) input() api.MonitorInput {
	return api.MonitorInput{
		DeliveryID:       m.DeliveryID,
		RouteID:          m.RouteID,
		CustomerID:       m.CustomerID,
		CustomerEmail:    m.CustomerEmail,
		CustomerPhone:    m.CustomerPhone,
		Origin:           m.Origin.toAPI(),
		Destination:      m.Destination.toAPI(),
		ScheduledTime:    m.ScheduledTime,
		ThresholdMinutes: m.ThresholdMinutes,
	}
}

type recurringRequest struct {
	monitorRequest
	CheckIntervalMinutes int     `json:"checkIntervalMinutes"`
	MaxChecks            int     `json:"maxChecks"`
	CutoffHours          float64 `json:"cutoffHours"`
}

func (r recurringRequest) input() api.RecurringInput {
	return api.RecurringInput{
		MonitorInput:         r.monitorRequest.input(),
		CheckIntervalMinutes: r.CheckIntervalMinutes,
		MaxChecks:            r.MaxChecks,
		CutoffHours:          r.CutoffHours,
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type thresholdRequest struct {
	ThresholdMinutes int `json:"thresholdMinutes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type acceptedResponse struct {
	WorkflowID string `json:"workflowId"`
	Queued     bool   `json:"queued"`
}

type snapshotResponse struct {
	WorkflowID       string     `json:"workflowId"`
	RunID            string     `json:"runId"`
	Kind             string     `json:"kind"`
	Status           string     `json:"status"`
	CurrentStep      string     `json:"currentStep"`
	Iteration        int        `json:"iteration"`
	ThresholdMinutes int        `json:"thresholdMinutes"`
	StartedAt        time.Time  `json:"startedAt"`
	LastUpdateAt     time.Time  `json:"lastUpdateAt"`
	NextCheckAt      *time.Time `json:"nextCheckAt,omitempty"`
	DelayDetected    bool       `json:"delayDetected"`
	NotificationSent bool       `json:"notificationSent"`
	Error            string     `json:"error,omitempty"`
}

func newSnapshotResponse(s api.StatusSnapshot) snapshotResponse {
	out := snapshotResponse{
		WorkflowID:       s.WorkflowID,
		RunID:            s.RunID,
		Kind:             string(s.Kind),
		Status:           string(s.Status),
		CurrentStep:      string(s.CurrentStep),
		Iteration:        s.Iteration,
		ThresholdMinutes: s.ThresholdMinutes,
		StartedAt:        s.StartedAt,
		LastUpdateAt:     s.LastUpdateAt,
		DelayDetected:    s.DelayDetected,
		NotificationSent: s.NotificationSent,
		Error:            s.Error,
	}
	if !s.NextCheckAt.IsZero() {
		next := s.NextCheckAt
		out.NextCheckAt = &next
	}
	return out
}

type resultResponse struct {
	Success           bool   `json:"success"`
	Cancelled         bool   `json:"cancelled"`
	Error             string `json:"error,omitempty"`
	Provider          string `json:"trafficProvider,omitempty"`
	DelayMinutes      int    `json:"delayMinutes"`
	ExceedsThreshold  bool   `json:"exceedsThreshold"`
	Severity          string `json:"severity,omitempty"`
	NotificationsSent int    `json:"notificationsSent"`
	ChecksPerformed   int    `json:"checksPerformed"`
	StopReason        string `json:"stopReason,omitempty"`
}

func newResultResponse(res *api.WorkflowResult) resultResponse {
	out := resultResponse{
		Success:           res.Success,
		Cancelled:         res.Cancelled,
		Error:             res.Error,
		NotificationsSent: res.NotificationsSent,
		ChecksPerformed:   res.ChecksPerformed,
		StopReason:        string(res.StopReason),
	}
	if res.Traffic != nil {
		out.Provider = res.Traffic.Provider
		out.DelayMinutes = res.Traffic.DelayMinutes
	}
	if res.Evaluation != nil {
		out.ExceedsThreshold = res.Evaluation.ExceedsThreshold
		out.Severity = string(res.Evaluation.Severity)
	}
	return out
}

type eventResponse struct {
	At        time.Time `json:"at"`
	Type      string    `json:"type"`
	Step      string    `json:"step,omitempty"`
	Iteration int       `json:"iteration"`
	Detail    string    `json:"detail,omitempty"`
}

func newEventResponse(ev api.WorkflowEvent) eventResponse {
	return eventResponse{
		At:        ev.At,
		Type:      string(ev.Type),
		Step:      string(ev.Step),
		Iteration: ev.Iteration,
		Detail:    ev.Detail,
	}
}

type executionResponse struct {
	WorkflowID  string          `json:"workflowId"`
	RunID       string          `json:"runId"`
	Kind        string          `json:"kind"`
	Iteration   int             `json:"iteration"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	BuildID     string          `json:"buildId,omitempty"`
	Result      *resultResponse `json:"result,omitempty"`
}

func newExecutionResponse(e *api.WorkflowExecution) executionResponse {
	out := executionResponse{
		WorkflowID: e.WorkflowID,
		RunID:      e.RunID,
		Kind:       string(e.Kind),
		Iteration:  e.Iteration,
		Status:     string(e.Status),
		StartedAt:  e.StartedAt,
		Error:      e.Error,
		BuildID:    e.BuildID,
	}
	if !e.CompletedAt.IsZero() {
		done := e.CompletedAt
		out.CompletedAt = &done
	}
	if e.Result != nil {
		res := newResultResponse(e.Result)
		out.Result = &res
	}
	return out
}
