package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/civiclens/capitol-ingest/internal/domain/record"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/telemetry"
)

// BillRepository persists parsed bill-status records.
type BillRepository struct {
	db *sql.DB
}

// NewBillRepository creates a new bill repository
func NewBillRepository(db *sql.DB) *BillRepository {
	return &BillRepository{db: db}
}

// Upsert inserts or refreshes a bill keyed by (congress, chamber,
// bill_number) and returns its row id. Columns already populated are never
// cleared by an incoming NULL; inserted_at is never touched. A duplicate-key
// race against a concurrent first insert is retried once.
func (r *BillRepository) Upsert(ctx context.Context, b *record.Bill) (int64, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, "upsert", "bills")
	defer span.End()

	id, err := r.upsertOnce(ctx, b)
	if err != nil && IsDuplicateKeyViolation(err) {
		id, err = r.upsertOnce(ctx, b)
	}
	telemetry.WithSpanError(span, err)
	return id, err
}

func (r *BillRepository) upsertOnce(ctx context.Context, b *record.Bill) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO bills (congress, chamber, bill_number, title, sponsor_name, introduced_date, source_file)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (congress, chamber, bill_number) DO UPDATE SET
			title = COALESCE(EXCLUDED.title, bills.title),
			sponsor_name = COALESCE(EXCLUDED.sponsor_name, bills.sponsor_name),
			introduced_date = COALESCE(EXCLUDED.introduced_date, bills.introduced_date),
			source_file = EXCLUDED.source_file,
			updated_at = NOW()
		RETURNING id
	`

	var id int64
	err = tx.QueryRowContext(ctx, query,
		b.Congress, b.Chamber, b.BillNumber,
		b.Title, b.SponsorName, b.IntroducedDate, b.SourceFile,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert bill %s: %w", b.NaturalKey(), err)
	}

	if err := r.replaceChildren(ctx, tx, id, b); err != nil {
		return 0, err
	}

	return id, tx.Commit()
}

// replaceChildren swaps in the detail rows the new document carries. An
// empty set leaves the stored rows alone, mirroring the column policy of
// never clearing data the source no longer supplies.
func (r *BillRepository) replaceChildren(ctx context.Context, tx *sql.Tx, billID int64, b *record.Bill) error {
	if len(b.Sponsors) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bill_sponsors WHERE bill_id = $1`, billID); err != nil {
			return fmt.Errorf("failed to clear sponsors: %w", err)
		}
		for _, s := range b.Sponsors {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bill_sponsors (bill_id, name, bioguide) VALUES ($1, $2, $3)`,
				billID, s.Name, s.Bioguide); err != nil {
				return fmt.Errorf("failed to insert sponsor: %w", err)
			}
		}
	}

	if len(b.Actions) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bill_actions WHERE bill_id = $1`, billID); err != nil {
			return fmt.Errorf("failed to clear actions: %w", err)
		}
		for _, a := range b.Actions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bill_actions (bill_id, action_date, action_text) VALUES ($1, $2, $3)`,
				billID, a.ActionDate, a.Text); err != nil {
				return fmt.Errorf("failed to insert action: %w", err)
			}
		}
	}

	if len(b.Texts) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bill_texts WHERE bill_id = $1`, billID); err != nil {
			return fmt.Errorf("failed to clear texts: %w", err)
		}
		for _, t := range b.Texts {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bill_texts (bill_id, version_code, url) VALUES ($1, $2, $3)`,
				billID, t.VersionCode, t.URL); err != nil {
				return fmt.Errorf("failed to insert text version: %w", err)
			}
		}
	}

	return nil
}

// Count returns the number of stored bills.
func (r *BillRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bills`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bills: %w", err)
	}
	return n, nil
}

// GetByNaturalKey loads one bill row, without children.
func (r *BillRepository) GetByNaturalKey(ctx context.Context, congress int, chamber, billNumber string) (*record.Bill, error) {
	query := `
		SELECT congress, chamber, bill_number, title, sponsor_name, introduced_date, source_file
		FROM bills
		WHERE congress = $1 AND chamber = $2 AND bill_number = $3
	`

	var b record.Bill
	var title, sponsorName, sourceFile sql.NullString
	var introduced sql.NullTime

	err := r.db.QueryRowContext(ctx, query, congress, chamber, billNumber).Scan(
		&b.Congress, &b.Chamber, &b.BillNumber, &title, &sponsorName, &introduced, &sourceFile,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}

	if title.Valid {
		b.Title = &title.String
	}
	if sponsorName.Valid {
		b.SponsorName = &sponsorName.String
	}
	if introduced.Valid {
		t := introduced.Time.UTC()
		b.IntroducedDate = &t
	}
	if sourceFile.Valid {
		b.SourceFile = sourceFile.String
	}

	return &b, nil
}
