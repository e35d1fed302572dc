package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

var entityPrefixes = map[string]string{
	"patient":      "PAT",
	"veterinarian": "VET",
	"technician":   "TEC",
	"admin":        "ADM",
	"diagnostic":   "DGN",
	"token":        "TKN",
}

// SequenceRepository hands out ids such as DGN-001 from one counter per entity.
type SequenceRepository struct {
	db *sql.DB
}

func NewSequenceRepository(db *sql.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

func (r *SequenceRepository) NextID(ctx context.Context, entity string) (string, error) {
	prefix, ok := entityPrefixes[entity]
	if !ok {
		return "", domain.WrapError(domain.ErrInvalidInput, "next id", fmt.Errorf("unknown entity %q", entity))
	}

	var seq int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO sequence_counters (entity, seq)
VALUES ($1, 1)
ON CONFLICT (entity) DO UPDATE SET seq = sequence_counters.seq + 1
RETURNING seq
`, entity).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("increment %s counter: %w", entity, err)
	}
	return fmt.Sprintf("%s-%03d", prefix, seq), nil
}
