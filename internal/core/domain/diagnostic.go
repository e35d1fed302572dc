package domain

import (
	"encoding/json"
	"time"
)

const SupportedContentType = "application/pdf"

type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisFailed    AnalysisStatus = "failed"
)

// PDFMetadata is written once when the upload is accepted.
type PDFMetadata struct {
	OriginalFilename string    `json:"original_filename"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	BinaryHandle     string    `json:"binary_handle"`
	UploadTimestamp  time.Time `json:"upload_timestamp"`
}

// ProcessingInfo is merged into the model output before it is stored as the result.
type ProcessingInfo struct {
	ModelVersion     string    `json:"model_version"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	ConfidenceScore  float64   `json:"confidence_score"`
	ProcessedAt      time.Time `json:"processed_at"`
}

type AnalysisFailure struct {
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// AnalysisRequest is one diagnostic record per accepted upload. Result and
// Error are mutually exclusive and each is written at most once.
type AnalysisRequest struct {
	ID             string           `json:"diagnostic_id"`
	PatientID      string           `json:"patient_id"`
	SequenceNumber int              `json:"sequence_number"`
	CreatedAt      time.Time        `json:"created_at"`
	PDF            PDFMetadata      `json:"pdf_metadata"`
	Result         json.RawMessage  `json:"result,omitempty"`
	Processing     *ProcessingInfo  `json:"processing_info,omitempty"`
	Error          *AnalysisFailure `json:"error,omitempty"`
	CreatedBy      string           `json:"created_by"`
}

// AnalysisState is the tagged view of a record: exactly one of Result or
// Failure is set for terminal states, neither while pending.
type AnalysisState struct {
	Status  AnalysisStatus   `json:"status"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Failure *AnalysisFailure `json:"error,omitempty"`
}

func (r *AnalysisRequest) State() AnalysisState {
	switch {
	case len(r.Result) > 0:
		return AnalysisState{Status: AnalysisCompleted, Result: r.Result}
	case r.Error != nil:
		failure := *r.Error
		return AnalysisState{Status: AnalysisFailed, Failure: &failure}
	default:
		return AnalysisState{Status: AnalysisPending}
	}
}

func (r *AnalysisRequest) IsTerminal() bool {
	return r.State().Status != AnalysisPending
}

// SubmitCommand carries one upload from the boundary into the orchestrator.
type SubmitCommand struct {
	Filename    string
	ContentType string
	PatientID   string
	Actor       Actor
}

type SubmitReceipt struct {
	DiagnosticID string         `json:"diagnostic_id"`
	Status       AnalysisStatus `json:"status"`
	Message      string         `json:"message"`
}

// DiagnosticPage is one page of a patient's diagnostic history.
type DiagnosticPage struct {
	Items []AnalysisRequest `json:"items"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// AnalysisEvent is emitted once a record reaches a terminal state.
type AnalysisEvent struct {
	DiagnosticID string         `json:"diagnostic_id"`
	PatientID    string         `json:"patient_id"`
	Status       AnalysisStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
