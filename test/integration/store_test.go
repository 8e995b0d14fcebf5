//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiclens/capitol-ingest/internal/domain/record"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/repository"
	"github.com/civiclens/capitol-ingest/internal/testutil"
	"github.com/civiclens/capitol-ingest/internal/testutil/fixtures"
)

func TestBillUpsert_SecondRunKeepsCountsStable(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repository.NewRepositoriesFromDB(testDB.DB())
	ctx := testutil.TestContext(t)

	bill := fixtures.NewBillBuilder().Build()

	id1, err := repos.UpsertBill(ctx, bill)
	require.NoError(t, err)
	id2, err := repos.UpsertBill(ctx, bill)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "re-ingesting the same document must hit the same row")
	testDB.AssertRowCount("bills", 1)
	testDB.AssertRowCount("bill_sponsors", 1)
	testDB.AssertRowCount("bill_actions", 1)
	testDB.AssertRowCount("bill_texts", 1)
}

func TestBillUpsert_SparseDocumentNeverClearsColumns(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repository.NewRepositoriesFromDB(testDB.DB())
	ctx := testutil.TestContext(t)

	full := fixtures.NewBillBuilder().
		WithTitle("Safe Drinking Water Extension Act").
		WithSponsorName("Rep. Rivera").
		Build()
	_, err := repos.UpsertBill(ctx, full)
	require.NoError(t, err)

	// A refreshed dump sometimes carries less than the first one did.
	sparse := &record.Bill{
		SourceFile: "bulk_data/www.govinfo.gov/refresh.zip_extracted/refresh.xml",
		Congress:   full.Congress,
		Chamber:    full.Chamber,
		BillNumber: full.BillNumber,
	}
	_, err = repos.UpsertBill(ctx, sparse)
	require.NoError(t, err)

	got, err := repos.Bills.GetByNaturalKey(ctx, full.Congress, full.Chamber, full.BillNumber)
	require.NoError(t, err)

	require.NotNil(t, got.Title)
	assert.Equal(t, "Safe Drinking Water Extension Act", *got.Title)
	require.NotNil(t, got.SponsorName)
	assert.Equal(t, "Rep. Rivera", *got.SponsorName)
	require.NotNil(t, got.IntroducedDate)
	testutil.AssertTimeWithin(t, *got.IntroducedDate, *full.IntroducedDate, time.Millisecond)

	// Provenance always points at the most recent document.
	assert.Equal(t, sparse.SourceFile, got.SourceFile)

	// A document with no detail rows leaves the stored ones alone.
	testDB.AssertRowCount("bill_sponsors", 1)
	testDB.AssertRowCount("bill_actions", 1)
	testDB.AssertRowCount("bill_texts", 1)
}

func TestBillUpsert_DetailRowsAreReplacedWholesale(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repository.NewRepositoriesFromDB(testDB.DB())
	ctx := testutil.TestContext(t)

	bill := fixtures.NewBillBuilder().
		WithActions(record.BillAction{Text: "Introduced in House"}).
		Build()
	_, err := repos.UpsertBill(ctx, bill)
	require.NoError(t, err)

	updated := fixtures.NewBillBuilder().
		WithCongress(bill.Congress).
		WithChamber(bill.Chamber).
		WithBillNumber(bill.BillNumber).
		WithActions(
			record.BillAction{Text: "Introduced in House"},
			record.BillAction{Text: "Referred to the Committee on Energy and Commerce"},
			record.BillAction{Text: "Passed House by voice vote"},
		).
		WithSponsors(
			record.Sponsor{Name: "Rep. Rivera", Bioguide: testutil.Ptr("R000101")},
			record.Sponsor{Name: "Rep. Okafor", Bioguide: testutil.Ptr("O000202")},
		).
		Build()
	_, err = repos.UpsertBill(ctx, updated)
	require.NoError(t, err)

	testDB.AssertRowCount("bills", 1)
	testDB.AssertRowCount("bill_actions", 3)
	testDB.AssertRowCount("bill_sponsors", 2)

	var stale int
	err = testDB.DB().QueryRow(
		"SELECT COUNT(*) FROM bill_sponsors WHERE name = 'Rep. Alda Example'").Scan(&stale)
	require.NoError(t, err)
	assert.Zero(t, stale, "sponsors from the first document must be gone")
}

func TestVoteUpsert_KeepsLeadingZerosInVoteID(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repository.NewRepositoriesFromDB(testDB.DB())
	ctx := testutil.TestContext(t)

	vote := fixtures.NewVoteBuilder().
		WithChamber(record.ChamberSenate).
		WithVoteID("00042").
		Build()

	id1, err := repos.UpsertVote(ctx, vote)
	require.NoError(t, err)
	id2, err := repos.UpsertVote(ctx, vote)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	var stored string
	err = testDB.DB().QueryRow("SELECT vote_id FROM votes WHERE id = $1", id1).Scan(&stored)
	require.NoError(t, err)
	assert.Equal(t, "00042", stored, "senate rollcall numbers keep their leading zeros")

	testDB.AssertRowCount("votes", 1)
	testDB.AssertRowCount("member_votes", 2)
}

func TestVoteUpsert_MemberPositionsAreReplacedWholesale(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repository.NewRepositoriesFromDB(testDB.DB())
	ctx := testutil.TestContext(t)

	vote := fixtures.NewVoteBuilder().Build()
	_, err := repos.UpsertVote(ctx, vote)
	require.NoError(t, err)
	testDB.AssertRowCount("member_votes", 2)

	revised := fixtures.NewVoteBuilder().
		WithCongress(vote.Congress).
		WithChamber(vote.Chamber).
		WithVoteID(vote.VoteID).
		WithMemberVotes(
			record.MemberVote{Bioguide: "E000001", Position: "Yea"},
			record.MemberVote{Bioguide: "E000002", Position: "Yea"},
			record.MemberVote{Bioguide: "E000003", Position: "Not Voting"},
		).
		Build()
	_, err = repos.UpsertVote(ctx, revised)
	require.NoError(t, err)

	testDB.AssertRowCount("votes", 1)
	testDB.AssertRowCount("member_votes", 3)
}

func TestLegislatorUpsert_BlankNameKeepsStoredName(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repository.NewRepositoriesFromDB(testDB.DB())
	ctx := testutil.TestContext(t)

	leg := fixtures.NewLegislatorBuilder().
		WithName("Margaret Chase").
		WithParty("Independent").
		WithState("ME").
		Build()
	_, err := repos.UpsertLegislator(ctx, leg)
	require.NoError(t, err)

	// Historical reference files sometimes omit the display name.
	revised := &record.Legislator{
		Bioguide:   leg.Bioguide,
		Name:       "",
		SourceFile: "bulk_data/unitedstates.github.io/legislators-historical.json",
	}
	_, err = repos.UpsertLegislator(ctx, revised)
	require.NoError(t, err)

	testDB.AssertRowCount("legislators", 1)

	var name, party string
	err = testDB.DB().QueryRow(
		"SELECT name, current_party FROM legislators WHERE bioguide = $1", leg.Bioguide).
		Scan(&name, &party)
	require.NoError(t, err)
	assert.Equal(t, "Margaret Chase", name)
	assert.Equal(t, "Independent", party)
}
