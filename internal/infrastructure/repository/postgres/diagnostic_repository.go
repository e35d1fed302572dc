package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

const diagnosticColumns = `id, patient_id, sequence_number, created_at, pdf_metadata, result, processing_info, error_message, failed_at, created_by`

type DiagnosticRepository struct {
	db *sql.DB
}

func NewDiagnosticRepository(db *sql.DB) *DiagnosticRepository {
	return &DiagnosticRepository{db: db}
}

func (r *DiagnosticRepository) Create(ctx context.Context, req *domain.AnalysisRequest) error {
	pdfJSON, err := json.Marshal(req.PDF)
	if err != nil {
		return fmt.Errorf("marshal pdf metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO ai_diagnostics (id, patient_id, sequence_number, created_at, pdf_metadata, created_by)
VALUES ($1,$2,$3,$4,$5,$6)
`, req.ID, req.PatientID, req.SequenceNumber, req.CreatedAt, pdfJSON, req.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "create diagnostic", fmt.Errorf("diagnostic %s already exists", req.ID))
		}
		return fmt.Errorf("insert diagnostic: %w", err)
	}
	return nil
}

func (r *DiagnosticRepository) GetByID(ctx context.Context, id string) (*domain.AnalysisRequest, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+diagnosticColumns+`
FROM ai_diagnostics
WHERE id = $1
`, id)

	req, err := scanDiagnostic(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get diagnostic", fmt.Errorf("diagnostic %s", id))
		}
		return nil, err
	}
	return req, nil
}

// NextSequenceNumber is one more than the patient's highest sequence number.
// Two concurrent submissions for one patient may observe the same value.
func (r *DiagnosticRepository) NextSequenceNumber(ctx context.Context, patientID string) (int, error) {
	var next int
	err := r.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(sequence_number), 0) + 1
FROM ai_diagnostics
WHERE patient_id = $1
`, patientID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next sequence number: %w", err)
	}
	return next, nil
}

// SaveResult stores the merged result and its processing info in one write.
func (r *DiagnosticRepository) SaveResult(ctx context.Context, id string, result json.RawMessage, info domain.ProcessingInfo) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal processing info: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE ai_diagnostics
SET result = $2, processing_info = $3
WHERE id = $1 AND result IS NULL AND error_message IS NULL
`, id, []byte(result), infoJSON)
	if err != nil {
		return fmt.Errorf("save diagnostic result: %w", err)
	}
	return r.expectFinalized(ctx, res, id, "save diagnostic result")
}

func (r *DiagnosticRepository) SaveFailure(ctx context.Context, id string, failure domain.AnalysisFailure) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE ai_diagnostics
SET error_message = $2, failed_at = $3
WHERE id = $1 AND result IS NULL AND error_message IS NULL
`, id, failure.Message, failure.FailedAt)
	if err != nil {
		return fmt.Errorf("save diagnostic failure: %w", err)
	}
	return r.expectFinalized(ctx, res, id, "save diagnostic failure")
}

func (r *DiagnosticRepository) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]domain.AnalysisRequest, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_diagnostics WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count diagnostics: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT `+diagnosticColumns+`
FROM ai_diagnostics
WHERE patient_id = $1
ORDER BY created_at DESC, sequence_number DESC
LIMIT $2 OFFSET $3
`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list diagnostics: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AnalysisRequest, 0, limit)
	for rows.Next() {
		req, err := scanDiagnostic(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return out, total, nil
}

func (r *DiagnosticRepository) LatestByPatient(ctx context.Context, patientID string) (*domain.AnalysisRequest, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+diagnosticColumns+`
FROM ai_diagnostics
WHERE patient_id = $1
ORDER BY created_at DESC, sequence_number DESC
LIMIT 1
`, patientID)

	req, err := scanDiagnostic(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "latest diagnostic", fmt.Errorf("patient %s has no diagnostics", patientID))
		}
		return nil, err
	}
	return req, nil
}

// expectFinalized tells a missing record apart from one that already holds
// a result or an error when a guarded update touched no rows.
func (r *DiagnosticRepository) expectFinalized(ctx context.Context, res sql.Result, id, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ai_diagnostics WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s check existence: %w", op, err)
	}
	if !exists {
		return domain.WrapError(domain.ErrNotFound, op, fmt.Errorf("diagnostic %s", id))
	}
	return domain.WrapError(domain.ErrAlreadyFinalized, op, fmt.Errorf("diagnostic %s", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiagnostic(scanner rowScanner) (*domain.AnalysisRequest, error) {
	var (
		req          domain.AnalysisRequest
		pdfRaw       []byte
		resultRaw    []byte
		processRaw   []byte
		errorMessage sql.NullString
		failedAt     sql.NullTime
	)
	err := scanner.Scan(
		&req.ID, &req.PatientID, &req.SequenceNumber, &req.CreatedAt, &pdfRaw,
		&resultRaw, &processRaw, &errorMessage, &failedAt, &req.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan diagnostic: %w", err)
	}

	if err := json.Unmarshal(pdfRaw, &req.PDF); err != nil {
		return nil, fmt.Errorf("unmarshal pdf metadata: %w", err)
	}
	if len(resultRaw) > 0 {
		req.Result = json.RawMessage(resultRaw)
	}
	if len(processRaw) > 0 {
		var info domain.ProcessingInfo
		if err := json.Unmarshal(processRaw, &info); err != nil {
			return nil, fmt.Errorf("unmarshal processing info: %w", err)
		}
		req.Processing = &info
	}
	if errorMessage.Valid {
		req.Error = &domain.AnalysisFailure{Message: errorMessage.String}
		if failedAt.Valid {
			req.Error.FailedAt = failedAt.Time
		}
	}
	return &req, nil
}
