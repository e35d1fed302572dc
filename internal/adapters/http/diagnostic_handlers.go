package httpadapter

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

func (rt *Router) getDiagnostic(w http.ResponseWriter, r *http.Request) {
	diag, err := rt.diagnostics.GetDiagnostic(r.Context(), chi.URLParam(r, "diagnostic_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (rt *Router) listPatientDiagnostics(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := rt.diagnostics.ListPatientDiagnostics(r.Context(), chi.URLParam(r, "patient_id"), page, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) latestPatientDiagnostic(w http.ResponseWriter, r *http.Request) {
	diag, err := rt.diagnostics.LatestPatientDiagnostic(r.Context(), chi.URLParam(r, "patient_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

// queryInt returns 0 for an absent parameter so the use case applies its default.
func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse query", fmt.Errorf("%s must be an integer", name))
	}
	return n, nil
}
