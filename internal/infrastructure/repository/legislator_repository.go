package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/civiclens/capitol-ingest/internal/domain/record"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/telemetry"
)

// LegislatorRepository persists entries from the legislator reference set.
type LegislatorRepository struct {
	db *sql.DB
}

// NewLegislatorRepository creates a new legislator repository
func NewLegislatorRepository(db *sql.DB) *LegislatorRepository {
	return &LegislatorRepository{db: db}
}

// Upsert inserts or refreshes a legislator keyed by bioguide id and
// returns its row id. A blank incoming name keeps the stored one; party
// and state survive incoming NULLs.
func (r *LegislatorRepository) Upsert(ctx context.Context, l *record.Legislator) (int64, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, "upsert", "legislators")
	defer span.End()

	id, err := r.upsertOnce(ctx, l)
	if err != nil && IsDuplicateKeyViolation(err) {
		id, err = r.upsertOnce(ctx, l)
	}
	telemetry.WithSpanError(span, err)
	return id, err
}

func (r *LegislatorRepository) upsertOnce(ctx context.Context, l *record.Legislator) (int64, error) {
	query := `
		INSERT INTO legislators (bioguide, name, current_party, state, source_file)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bioguide) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), legislators.name),
			current_party = COALESCE(EXCLUDED.current_party, legislators.current_party),
			state = COALESCE(EXCLUDED.state, legislators.state),
			source_file = EXCLUDED.source_file,
			updated_at = NOW()
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		l.Bioguide, l.Name, l.CurrentParty, l.State, l.SourceFile,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert legislator %s: %w", l.Bioguide, err)
	}
	return id, nil
}

// Count returns the number of stored legislators.
func (r *LegislatorRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM legislators`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count legislators: %w", err)
	}
	return n, nil
}
