package api

import (
	"context"
	"encoding/json"
	"net/http"
	"orchestrator/internal/killservice"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InstanceSnapshotProvider builds a killservice.Instance snapshot for a
// single instance id, so the kill endpoints never need to know how the
// underlying orchestrator represents instance state.
type InstanceSnapshotProvider interface {
	InstanceSnapshot(ctx context.Context, instanceId string, unreachable bool) (killservice.Instance, error)
}

// Killer is satisfied by both *killservice.KillServiceCore and
// *killservice.AuditNotifier, so the HTTP layer doesn't need to know
// whether audit notification is wired in.
type Killer interface {
	KillInstances(instances []killservice.Instance) *killservice.Completion
}

// killRequest is the body of POST /v1/instances/kill.
type killRequest struct {
	InstanceIds []string `json:"instanceIds"`
	Unreachable bool     `json:"unreachable,omitempty"`
}

// killAcceptedResponse is returned once a kill batch has been submitted.
type killAcceptedResponse struct {
	Token       string   `json:"token"`
	InstanceIds []string `json:"instanceIds"`
	NotFound    []string `json:"notFound,omitempty"`
}

// killStatusResponse is returned by GET /v1/instances/kill/{token}.
type killStatusResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"` // "pending" or "completed"
}

// killTicket records a submitted batch's Completion so a later poll can
// report on it; entries are pruned once observed as completed.
type killTicket struct {
	completion *killservice.Completion
}

// KillHandler implements the HTTP surface over a KillServiceCore:
// POST /v1/instances/kill submits a batch and returns a poll token, GET
// /v1/instances/kill/{token} reports whether that batch has resolved.
type KillHandler struct {
	core      Killer
	snapshots InstanceSnapshotProvider
	mu        sync.Mutex
	tickets   map[string]*killTicket
}

// NewKillHandler creates a KillHandler. snapshots may be nil only if the
// caller never submits kill requests through HTTP.
func NewKillHandler(core Killer, snapshots InstanceSnapshotProvider) *KillHandler {
	return &KillHandler{
		core:      core,
		snapshots: snapshots,
		tickets:   make(map[string]*killTicket),
	}
}

// KillInstances handles POST /v1/instances/kill.
func (h *KillHandler) KillInstances(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.InstanceIds) == 0 {
		writeError(w, http.StatusBadRequest, "instanceIds must be non-empty")
		return
	}

	instances := make([]killservice.Instance, 0, len(req.InstanceIds))
	found := make([]string, 0, len(req.InstanceIds))
	var notFound []string

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, id := range req.InstanceIds {
		inst, err := h.snapshots.InstanceSnapshot(ctx, id, req.Unreachable)
		if err != nil {
			notFound = append(notFound, id)
			continue
		}
		instances = append(instances, inst)
		found = append(found, id)
	}

	if len(instances) == 0 {
		writeJSON(w, http.StatusNotFound, killAcceptedResponse{NotFound: notFound})
		return
	}

	completion := h.core.KillInstances(instances)
	token := uuid.NewString()

	h.mu.Lock()
	h.tickets[token] = &killTicket{completion: completion}
	h.mu.Unlock()

	writeJSON(w, http.StatusAccepted, killAcceptedResponse{
		Token:       token,
		InstanceIds: found,
		NotFound:    notFound,
	})
}

// KillStatus handles GET /v1/instances/kill/{token}.
func (h *KillHandler) KillStatus(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	h.mu.Lock()
	ticket, ok := h.tickets[token]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown kill token")
		return
	}

	status := "pending"
	select {
	case <-ticket.completion.Done():
		status = "completed"
		h.mu.Lock()
		delete(h.tickets, token)
		h.mu.Unlock()
	default:
	}

	writeJSON(w, http.StatusOK, killStatusResponse{Token: token, Status: status})
}
