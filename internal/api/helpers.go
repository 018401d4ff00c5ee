package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Pagination describes a page of a listing.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			WriteError(w, http.StatusRequestEntityTooLarge, core.NewInvalidRequestError(
				"Request body is too large.", map[string]any{"limit": maxErr.Limit}))
		default:
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"Invalid JSON in request body.", map[string]any{"error": err.Error()}))
		}
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints whose body may be empty.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
		"Invalid JSON in request body.", map[string]any{"error": err.Error()}))
	return false
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (core.Address, bool) {
	raw := chi.URLParam(r, name)
	addr, err := core.ParseAddress(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"Path parameter '"+name+"' is not a valid address.",
			map[string]any{"field": name, "value": raw},
		))
		return core.Address{}, false
	}
	return addr, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageLimit)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
