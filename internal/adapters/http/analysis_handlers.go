package httpadapter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

const resultNotReadyDetail = "Risultato non ancora pronto"

type statusResponse struct {
	DiagnosticID string `json:"diagnostic_id"`
	domain.AnalysisState
}

func (rt *Router) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "missing "+actorHeader+" header")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, r, err)
			return
		}
		writeDetail(w, http.StatusBadRequest, "multipart form is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	receipt, err := rt.submitter.Submit(r.Context(), domain.SubmitCommand{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		PatientID:   r.FormValue("patient_id"),
		Actor:       actor,
	}, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// getAnalysisResult answers 200 with the stored result, 202 while the
// analysis is running and 422 once it has failed.
func (rt *Router) getAnalysisResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "diagnostic_id"))

	result, err := rt.poller.GetResult(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result)
		return
	}

	state, err := rt.poller.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch state.Status {
	case domain.AnalysisFailed:
		writeDetail(w, http.StatusUnprocessableEntity, state.Failure.Message)
	case domain.AnalysisCompleted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(state.Result)
	default:
		writeDetail(w, http.StatusAccepted, resultNotReadyDetail)
	}
}

func (rt *Router) getAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "diagnostic_id"))
	state, err := rt.poller.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{DiagnosticID: id, AnalysisState: state})
}
