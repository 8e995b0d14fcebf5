package repository

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/civiclens/capitol-ingest/internal/domain/record"
)

// Repositories holds all repository instances
type Repositories struct {
	Bills       *BillRepository
	Votes       *VoteRepository
	Legislators *LegislatorRepository
}

// NewRepositories creates the repository collection over a pgx pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	// The repositories speak database/sql; bridge the pool once here.
	db := stdlib.OpenDBFromPool(pool)
	return NewRepositoriesFromDB(db)
}

// NewRepositoriesFromDB creates the repository collection over an existing
// database/sql handle.
func NewRepositoriesFromDB(db *sql.DB) *Repositories {
	return &Repositories{
		Bills:       NewBillRepository(db),
		Votes:       NewVoteRepository(db),
		Legislators: NewLegislatorRepository(db),
	}
}

// UpsertBill persists one bill record.
func (r *Repositories) UpsertBill(ctx context.Context, b *record.Bill) (int64, error) {
	return r.Bills.Upsert(ctx, b)
}

// UpsertVote persists one vote record.
func (r *Repositories) UpsertVote(ctx context.Context, v *record.Vote) (int64, error) {
	return r.Votes.Upsert(ctx, v)
}

// UpsertLegislator persists one legislator record.
func (r *Repositories) UpsertLegislator(ctx context.Context, l *record.Legislator) (int64, error) {
	return r.Legislators.Upsert(ctx, l)
}
