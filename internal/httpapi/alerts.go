package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetops/control-plane/internal/alert"
	"github.com/fleetops/control-plane/pkg/apierrors"
)

type alertRuleRequest struct {
	Name          string            `json:"name"`
	Severity      string            `json:"severity"`
	MetricName    string            `json:"metric_name"`
	Operator      string            `json:"operator"`
	Threshold     float64           `json:"threshold"`
	DurationSecs  int               `json:"duration_seconds"`
	Labels        map[string]string `json:"labels"`
	Enabled       bool              `json:"enabled"`
	Notifications []string          `json:"notifications"`
}

func (s *Server) createAlertRule(w http.ResponseWriter, r *http.Request) {
	var req alertRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.ValidationError("body", err.Error()))
		return
	}
	if req.MetricName == "" || req.Operator == "" {
		writeError(w, r, apierrors.ValidationError("metric_name/operator", "required"))
		return
	}

	rule := alert.Rule{
		Name:     req.Name,
		Severity: alert.Severity(req.Severity),
		Condition: alert.Condition{
			MetricName: req.MetricName,
			Operator:   alert.Operator(req.Operator),
			Threshold:  req.Threshold,
			Duration:   time.Duration(req.DurationSecs) * time.Second,
			Labels:     req.Labels,
		},
		Enabled:       req.Enabled,
		Notifications: req.Notifications,
		Labels:        req.Labels,
	}
	created, err := s.evaluator.CreateRule(r.Context(), rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	severity := alert.Severity(r.URL.Query().Get("severity"))
	state := alert.State(r.URL.Query().Get("state"))
	alerts, err := s.evaluator.ListAlerts(r.Context(), severity, state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req acknowledgeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.ValidationError("body", err.Error()))
		return
	}
	if err := s.evaluator.Acknowledge(r.Context(), id, req.By); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.ValidationError("body", err.Error()))
		return
	}
	if err := s.evaluator.Resolve(r.Context(), id, req.Note); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
