package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/codyrs82/edgecoder/coordinator"
	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/types"
	"github.com/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeDomainError maps coordinator and mesh sentinel errors onto HTTP
// status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownAgent), errors.Is(err, coordinator.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, coordinator.ErrNotClaimer), errors.Is(err, coordinator.ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, coordinator.ErrTaskExpired):
		writeError(w, http.StatusConflict, err.Error(), "task_expired")
	case errors.Is(err, coordinator.ErrBlacklisted):
		writeError(w, http.StatusForbidden, err.Error(), "blacklisted")
	case errors.Is(err, coordinator.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_signature")
	case errors.Is(err, mesh.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error(), "rate_limited")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "bad_request")
		return false
	}
	return true
}

type registerRequest struct {
	Agent     types.Agent `json:"agent"`
	Signature string      `json:"signature"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Agent.AgentID == "" || req.Agent.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "agentId and publicKey are required", "bad_request")
		return
	}
	accountID, err := s.cfg.Coordinator.RegisterAgent(&req.Agent, req.Signature)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agentId":   req.Agent.AgentID,
		"accountId": accountID,
	})
}

type heartbeatRequest struct {
	AgentID              string               `json:"agentId"`
	Telemetry            types.PowerTelemetry `json:"powerTelemetry"`
	ActiveModel          string               `json:"activeModel"`
	ActiveModelParamSize float64              `json:"activeModelParamSize"`
	ModelSwapInProgress  bool                 `json:"modelSwapInProgress"`
	CurrentLoad          int                  `json:"currentLoad"`
	ConnectedPeers       int                  `json:"connectedPeers"`
	TimestampMs          int64                `json:"timestampMs"`
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.cfg.Coordinator.Heartbeat(req.AgentID, coordinator.HeartbeatUpdate{
		Telemetry:            req.Telemetry,
		ActiveModel:          req.ActiveModel,
		ActiveModelParamSize: req.ActiveModelParamSize,
		ModelSwapInProgress:  req.ModelSwapInProgress,
		CurrentLoad:          req.CurrentLoad,
		ConnectedPeers:       req.ConnectedPeers,
		TimestampMs:          req.TimestampMs,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if !decodeBody(w, r, &task) {
		return
	}
	if task.Input == "" {
		writeError(w, http.StatusBadRequest, "task input is required", "bad_request")
		return
	}
	queued, err := s.cfg.Coordinator.EnqueueTask(&task)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taskId": queued.TaskID,
		"status": queued.Status,
	})
}

type pullRequest struct {
	AgentID string `json:"agentId"`
	Max     int    `json:"max"`
}

func (s *Service) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	tasks, err := s.cfg.Coordinator.PullTasks(req.AgentID, req.Max)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

type reportRequest struct {
	TaskID  string           `json:"taskId"`
	AgentID string           `json:"agentId"`
	Result  types.TaskResult `json:"result"`
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.cfg.Coordinator.ReportResult(req.TaskID, req.AgentID, &req.Result); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Coordinator.Snapshot())
}

func (s *Service) handleCapacity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.cfg.Coordinator.Capacity(),
	})
}

// handleMeshIngest runs the gossip receive pipeline on the posted envelope
// and answers with this node's own announce so a bootstrap exchange teaches
// both sides in one round trip.
func (s *Service) handleMeshIngest(w http.ResponseWriter, r *http.Request) {
	var env mesh.Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	res, err := s.cfg.Mesh.Ingest(r.Context(), &env)
	if res == mesh.ValidationReject {
		if errors.Is(err, mesh.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err.Error(), "rate_limited")
			return
		}
		msg := "rejected"
		if err != nil {
			msg = err.Error()
		}
		writeError(w, http.StatusBadRequest, msg, "rejected")
		return
	}
	if env.Type == mesh.TypePeerAnnounce {
		if reply, err := s.cfg.Mesh.AnnounceEnvelope(); err == nil {
			writeJSON(w, http.StatusOK, reply)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleMeshPeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": s.cfg.Mesh.Peers().All(),
	})
}

func (s *Service) handleMeshCapabilities(w http.ResponseWriter, r *http.Request) {
	if model := r.URL.Query().Get("model"); model != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"coordinators": s.cfg.Mesh.Federated().Lookup(model),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summaries": s.cfg.Mesh.Federated().All(),
	})
}

type bleSyncRequest struct {
	Transactions []*ledger.CreditTransaction `json:"transactions"`
}

func (s *Service) handleBLESync(w http.ResponseWriter, r *http.Request) {
	var req bleSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.cfg.Coordinator.SyncOfflineBatch(req.Transactions)
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleLedgerRange(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an unsigned integer", "bad_request")
		return
	}
	to, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be an unsigned integer", "bad_request")
		return
	}
	if to < from {
		writeError(w, http.StatusBadRequest, "to must not precede from", "bad_request")
		return
	}
	entries := s.cfg.Engine.Chain().Range(from, to)
	head, seq := s.cfg.Engine.Chain().Head()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"head":     head,
		"sequence": seq,
	})
}
