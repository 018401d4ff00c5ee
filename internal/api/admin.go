package api

import (
	"net/http"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// AdminHandler handles worker, ledger, failure and chain endpoints.
type AdminHandler struct {
	backend core.Backend
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(backend core.Backend) *AdminHandler {
	return &AdminHandler{backend: backend}
}

// ListFailures handles GET /ojs/v1/failures
func (h *AdminHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	records, total, err := h.backend.ListFailures(r.Context(), limit, offset)
	if err != nil {
		HandleError(w, err)
		return
	}
	if records == nil {
		records = []*core.FailureRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"failures":   records,
		"pagination": Pagination{Total: total, Limit: limit, Offset: offset},
	})
}

// ClearFailure handles DELETE /ojs/v1/failures/{address}
func (h *AdminHandler) ClearFailure(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	if err := h.backend.ClearFailure(r.Context(), signer, addr); err != nil {
		HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterWorker handles POST /ojs/v1/workers. The signer registers itself.
func (h *AdminHandler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	worker, ok := requireSigner(w, r)
	if !ok {
		return
	}
	info, err := h.backend.RegisterWorker(r.Context(), worker)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"worker": info})
}

// ListWorkers handles GET /ojs/v1/workers
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	workers, total, err := h.backend.ListWorkers(r.Context(), limit, offset)
	if err != nil {
		HandleError(w, err)
		return
	}
	if workers == nil {
		workers = []*core.WorkerInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"workers":    workers,
		"pagination": Pagination{Total: total, Limit: limit, Offset: offset},
	})
}

// Ledger handles GET /ojs/v1/ledger/{address}
func (h *AdminHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	entry, err := h.backend.LedgerBalance(r.Context(), addr)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ledger": entry})
}

type accountRequest struct {
	Data []byte `json:"data"`
}

// PutAccount handles PUT /ojs/v1/accounts/{address}. data is base64.
func (h *AdminHandler) PutAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	var req accountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.backend.PutAccount(r.Context(), addr, req.Data); err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"account": map[string]any{"address": addr, "size": len(req.Data)}})
}

// Clock handles GET /ojs/v1/clock
func (h *AdminHandler) Clock(w http.ResponseWriter, r *http.Request) {
	clock, err := h.backend.Clock(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"clock": clock})
}
