package api

import (
	"net/http"
	"strconv"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// ThreadHandler handles thread lifecycle and crank endpoints.
type ThreadHandler struct {
	backend core.Backend
}

// NewThreadHandler creates a new ThreadHandler.
func NewThreadHandler(backend core.Backend) *ThreadHandler {
	return &ThreadHandler{backend: backend}
}

// Create handles POST /ojs/v1/threads
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	signer, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req core.CreateThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := core.ValidateCreateThreadRequest(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	th, err := h.backend.CreateThread(r.Context(), signer, &req)
	if err != nil {
		HandleError(w, err)
		return
	}
	w.Header().Set("Location", "/ojs/v1/threads/"+th.Address().String())
	WriteJSON(w, http.StatusCreated, map[string]any{"thread": core.NewThreadView(th)})
}

// List handles GET /ojs/v1/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	var filters core.ThreadListFilters
	q := r.URL.Query()
	if v := q.Get("authority"); v != "" {
		addr, err := core.ParseAddress(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"Query parameter 'authority' is not a valid address.", map[string]any{"field": "authority"}))
			return
		}
		filters.Authority = &addr
	}
	for name, dst := range map[string]**bool{"paused": &filters.Paused, "running": &filters.Running} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"Query parameter '"+name+"' must be a boolean.", map[string]any{"field": name}))
			return
		}
		*dst = &b
	}

	limit, offset := pageParams(r)
	threads, total, err := h.backend.ListThreads(r.Context(), filters, limit, offset)
	if err != nil {
		HandleError(w, err)
		return
	}
	views := make([]*core.ThreadView, 0, len(threads))
	for _, th := range threads {
		views = append(views, core.NewThreadView(th))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"threads":    views,
		"pagination": Pagination{Total: total, Limit: limit, Offset: offset},
	})
}

// Get handles GET /ojs/v1/threads/{address}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	th, err := h.backend.GetThread(r.Context(), addr)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"thread": core.NewThreadView(th)})
}

// Update handles PATCH /ojs/v1/threads/{address}
func (h *ThreadHandler) Update(w http.ResponseWriter, r *http.Request) {
	addr, signer, ok := h.authorityRequest(w, r)
	if !ok {
		return
	}
	var req core.UpdateThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := core.ValidateUpdateThreadRequest(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	th, err := h.backend.UpdateThread(r.Context(), signer, addr, &req)
	h.respondThread(w, th, err)
}

// Pause handles POST /ojs/v1/threads/{address}/pause
func (h *ThreadHandler) Pause(w http.ResponseWriter, r *http.Request) {
	addr, signer, ok := h.authorityRequest(w, r)
	if !ok {
		return
	}
	th, err := h.backend.PauseThread(r.Context(), signer, addr)
	h.respondThread(w, th, err)
}

// Resume handles POST /ojs/v1/threads/{address}/resume
func (h *ThreadHandler) Resume(w http.ResponseWriter, r *http.Request) {
	addr, signer, ok := h.authorityRequest(w, r)
	if !ok {
		return
	}
	th, err := h.backend.ResumeThread(r.Context(), signer, addr)
	h.respondThread(w, th, err)
}

// Reset handles POST /ojs/v1/threads/{address}/reset
func (h *ThreadHandler) Reset(w http.ResponseWriter, r *http.Request) {
	addr, signer, ok := h.authorityRequest(w, r)
	if !ok {
		return
	}
	var req core.ResetThreadRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	th, err := h.backend.ResetThread(r.Context(), signer, addr, req.Force)
	h.respondThread(w, th, err)
}

// Delete handles DELETE /ojs/v1/threads/{address}
func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	addr, signer, ok := h.authorityRequest(w, r)
	if !ok {
		return
	}
	result, err := h.backend.DeleteThread(r.Context(), signer, addr)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": result})
}

// Deposit handles POST /ojs/v1/threads/{address}/deposit. Anyone may fund a
// thread.
func (h *ThreadHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	var req core.AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	th, err := h.backend.Deposit(r.Context(), addr, req.Amount)
	h.respondThread(w, th, err)
}

// Withdraw handles POST /ojs/v1/threads/{address}/withdraw
func (h *ThreadHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	addr, signer, ok := h.authorityRequest(w, r)
	if !ok {
		return
	}
	var req core.AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	th, err := h.backend.Withdraw(r.Context(), signer, addr, req.Amount)
	h.respondThread(w, th, err)
}

// Crank handles POST /ojs/v1/threads/{address}/crank. The signer is the
// worker.
func (h *ThreadHandler) Crank(w http.ResponseWriter, r *http.Request) {
	addr, worker, ok := h.authorityRequest(w, r)
	if !ok {
		return
	}
	var req core.CrankRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	req.Thread = addr
	req.Worker = worker

	receipt, err := h.backend.Crank(r.Context(), &req)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"receipt": receipt})
}

// LatestReceipt handles GET /ojs/v1/threads/{address}/receipts/latest
func (h *ThreadHandler) LatestReceipt(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	receipt, err := h.backend.LatestReceipt(r.Context(), addr)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"receipt": receipt})
}

// authorityRequest resolves the path address and the request signer.
func (h *ThreadHandler) authorityRequest(w http.ResponseWriter, r *http.Request) (core.Address, core.Address, bool) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return core.Address{}, core.Address{}, false
	}
	signer, ok := requireSigner(w, r)
	if !ok {
		return core.Address{}, core.Address{}, false
	}
	return addr, signer, true
}

func (h *ThreadHandler) respondThread(w http.ResponseWriter, th *core.Thread, err error) {
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"thread": core.NewThreadView(th)})
}
