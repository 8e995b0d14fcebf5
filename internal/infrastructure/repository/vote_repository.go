package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/civiclens/capitol-ingest/internal/domain/record"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/telemetry"
)

// VoteRepository persists parsed rollcall records.
type VoteRepository struct {
	db *sql.DB
}

// NewVoteRepository creates a new vote repository
func NewVoteRepository(db *sql.DB) *VoteRepository {
	return &VoteRepository{db: db}
}

// Upsert inserts or refreshes a rollcall keyed by (congress, chamber,
// vote_id) and returns its row id. Populated columns survive incoming
// NULLs; a duplicate-key race is retried once.
func (r *VoteRepository) Upsert(ctx context.Context, v *record.Vote) (int64, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, "upsert", "votes")
	defer span.End()

	id, err := r.upsertOnce(ctx, v)
	if err != nil && IsDuplicateKeyViolation(err) {
		id, err = r.upsertOnce(ctx, v)
	}
	telemetry.WithSpanError(span, err)
	return id, err
}

func (r *VoteRepository) upsertOnce(ctx context.Context, v *record.Vote) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO votes (congress, chamber, vote_id, vote_date, result, source_file)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (congress, chamber, vote_id) DO UPDATE SET
			vote_date = COALESCE(EXCLUDED.vote_date, votes.vote_date),
			result = COALESCE(EXCLUDED.result, votes.result),
			source_file = EXCLUDED.source_file,
			updated_at = NOW()
		RETURNING id
	`

	var id int64
	err = tx.QueryRowContext(ctx, query,
		v.Congress, v.Chamber, v.VoteID, v.VoteDate, v.Result, v.SourceFile,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert vote %s: %w", v.NaturalKey(), err)
	}

	if len(v.MemberVotes) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM member_votes WHERE vote_id = $1`, id); err != nil {
			return 0, fmt.Errorf("failed to clear member votes: %w", err)
		}
		for _, mv := range v.MemberVotes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO member_votes (vote_id, bioguide, position) VALUES ($1, $2, $3)`,
				id, mv.Bioguide, mv.Position); err != nil {
				return 0, fmt.Errorf("failed to insert member vote: %w", err)
			}
		}
	}

	return id, tx.Commit()
}

// Count returns the number of stored rollcalls.
func (r *VoteRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return n, nil
}
