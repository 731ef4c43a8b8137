package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fleetops/control-plane/internal/compose"
	"github.com/fleetops/control-plane/internal/fleet"
	"github.com/fleetops/control-plane/pkg/apierrors"
)

type composeRequest struct {
	MachineID string           `json:"machine_id"`
	Name      string           `json:"name"`
	Services  []compose.Service `json:"services"`
}

func (s *Server) deployCompose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.ValidationError("body", err.Error()))
		return
	}
	if req.MachineID == "" {
		writeError(w, r, apierrors.ValidationError("machine_id", "required"))
		return
	}
	m, err := s.registry.Get(r.Context(), req.MachineID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	cfg := compose.Config{Name: req.Name, Services: req.Services}
	d, err := s.orch.Deploy(r.Context(), m.ID, fleet.CredentialsFor(m), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) removeCompose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, ok := s.targetMachine(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.orch.Remove(r.Context(), m.ID, fleet.CredentialsFor(m), id, force); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
