package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetops/control-plane/internal/fleet"
	"github.com/fleetops/control-plane/pkg/apierrors"
)

type machineRequest struct {
	Name      string   `json:"name"`
	IP        string   `json:"ip"`
	SSHKey    string   `json:"ssh_key"`
	SSHPort   int      `json:"ssh_port"`
	SSHUser   string   `json:"ssh_user"`
	SSHPasswd string   `json:"ssh_password"`
	Tags      []string `json:"tags"`
}

func (s *Server) createMachine(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.ValidationError("body", err.Error()))
		return
	}

	m := fleet.Machine{
		Name: req.Name, Host: req.IP, Port: req.SSHPort, User: req.SSHUser, Tags: req.Tags,
	}
	if req.SSHKey != "" {
		m.PrivateKeyBlob = []byte(req.SSHKey)
	}
	if req.SSHPasswd != "" {
		m.PasswordBlob = []byte(req.SSHPasswd)
	}

	created, err := s.registry.Create(r.Context(), m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.loop != nil && created.State != fleet.StateMaintenance {
		s.loop.Watch(context.WithoutCancel(r.Context()), created)
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (s *Server) getMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) updateMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req machineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.ValidationError("body", err.Error()))
		return
	}

	updated, err := s.registry.Update(r.Context(), id, func(m *fleet.Machine) {
		if req.Name != "" {
			m.Name = req.Name
		}
		if req.IP != "" {
			m.Host = req.IP
		}
		if req.SSHPort != 0 {
			m.Port = req.SSHPort
		}
		if req.SSHUser != "" {
			m.User = req.SSHUser
		}
		if req.SSHKey != "" {
			m.PrivateKeyBlob = []byte(req.SSHKey)
			m.PasswordBlob = nil
		}
		if req.SSHPasswd != "" {
			m.PasswordBlob = []byte(req.SSHPasswd)
			m.PrivateKeyBlob = nil
		}
		if req.Tags != nil {
			m.Tags = req.Tags
		}
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.loop != nil {
		s.loop.Unwatch(id)
	}
	if err := s.registry.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type commandRequest struct {
	Command  string   `json:"command"`
	Timeout  int      `json:"timeout"`
	Machines []string `json:"machines"`
}

type commandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// runCommand dispatches a command to a set of machines. A nil/empty
// machines list targets every ACTIVE machine (design note §9(b): a command
// sent to an INACTIVE/ERROR machine cannot succeed since the executor
// cannot dial it).
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierrors.ValidationError("body", err.Error()))
		return
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	var targets []fleet.Machine
	if len(req.Machines) == 0 {
		active, err := s.registry.ListByState(r.Context(), fleet.StateActive)
		if err != nil {
			writeError(w, r, err)
			return
		}
		targets = active
	} else {
		for _, id := range req.Machines {
			m, err := s.registry.Get(r.Context(), id)
			if err != nil {
				continue
			}
			targets = append(targets, m)
		}
	}

	results := map[string]commandResult{}
	for _, m := range targets {
		creds := fleet.CredentialsFor(m)
		res, err := s.exec.Execute(r.Context(), m.ID, creds, req.Command, time.Duration(req.Timeout)*time.Second)
		if err != nil {
			results[m.ID] = commandResult{Error: err.Error()}
			continue
		}
		results[m.ID] = commandResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	writeJSON(w, http.StatusOK, results)
}

const dockerInstallScript = `#!/bin/sh
set -e
if command -v docker >/dev/null 2>&1; then exit 0; fi
apt-get update -y
apt-get install -y docker.io
systemctl enable --now docker
`

func (s *Server) setupMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	creds := fleet.CredentialsFor(m)
	res, err := s.exec.Execute(r.Context(), m.ID, creds, dockerInstallScript, 5*time.Minute)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.ExitCode != 0 {
		writeError(w, r, apierrors.New(apierrors.CodeConfiguration, "docker setup script failed").WithDetail("stderr", res.Stderr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) updateMonitoring(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	intervalStr := r.URL.Query().Get("interval")
	d, err := time.ParseDuration(intervalStr)
	if err != nil || d < 5*time.Second {
		writeError(w, r, apierrors.ValidationError("interval", "must be a duration >= 5s"))
		return
	}
	if _, err := s.registry.Update(r.Context(), id, func(m *fleet.Machine) {
		m.MonitorInterval = d
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if s.loop != nil {
		s.loop.SetInterval(id, d)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
