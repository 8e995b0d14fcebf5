// Package fixtures builds parsed records for integration tests. Builders
// carry realistic defaults so a test only states the fields it cares about.
package fixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/civiclens/capitol-ingest/internal/domain/record"
	"github.com/civiclens/capitol-ingest/internal/testutil"
)

// seq keeps generated natural keys unique within one test binary.
var seq atomic.Int64

func nextSeq() int64 {
	return seq.Add(1)
}

// BillBuilder builds record.Bill values.
type BillBuilder struct {
	bill record.Bill
}

// NewBillBuilder returns a builder with a unique bill number and one
// sponsor, action, and text version attached.
func NewBillBuilder() *BillBuilder {
	n := nextSeq()
	number := fmt.Sprintf("%d", 1000+n)
	introduced := time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC)

	return &BillBuilder{bill: record.Bill{
		SourceFile:     fmt.Sprintf("bulk_data/www.govinfo.gov/BILLSTATUS-118-hr.zip_extracted/hr%s.xml", number),
		Congress:       118,
		Chamber:        record.ChamberHR,
		BillNumber:     number,
		Title:          testutil.Ptr(fmt.Sprintf("An Act concerning matter %d", n)),
		SponsorName:    testutil.Ptr("Rep. Alda Example"),
		IntroducedDate: &introduced,
		Sponsors: []record.Sponsor{
			{Name: "Rep. Alda Example", Bioguide: testutil.Ptr("E000001")},
		},
		Actions: []record.BillAction{
			{ActionDate: &introduced, Text: "Introduced in House"},
		},
		Texts: []record.BillText{
			{VersionCode: testutil.Ptr("ih"), URL: fmt.Sprintf("https://www.govinfo.gov/content/BILLS-118hr%sih.xml", number)},
		},
	}}
}

// WithCongress sets the congress number.
func (b *BillBuilder) WithCongress(congress int) *BillBuilder {
	b.bill.Congress = congress
	return b
}

// WithChamber sets the chamber code.
func (b *BillBuilder) WithChamber(chamber string) *BillBuilder {
	b.bill.Chamber = chamber
	return b
}

// WithBillNumber sets the bill number.
func (b *BillBuilder) WithBillNumber(number string) *BillBuilder {
	b.bill.BillNumber = number
	return b
}

// WithTitle sets the short title. Pass an empty string for a NULL title.
func (b *BillBuilder) WithTitle(title string) *BillBuilder {
	b.bill.Title = record.StringPtr(title)
	return b
}

// WithSponsorName sets the base-row sponsor name.
func (b *BillBuilder) WithSponsorName(name string) *BillBuilder {
	b.bill.SponsorName = record.StringPtr(name)
	return b
}

// WithIntroducedDate sets the introduction date.
func (b *BillBuilder) WithIntroducedDate(d time.Time) *BillBuilder {
	b.bill.IntroducedDate = &d
	return b
}

// WithSourceFile sets the provenance path.
func (b *BillBuilder) WithSourceFile(path string) *BillBuilder {
	b.bill.SourceFile = path
	return b
}

// WithSponsors replaces the sponsor detail rows.
func (b *BillBuilder) WithSponsors(sponsors ...record.Sponsor) *BillBuilder {
	b.bill.Sponsors = sponsors
	return b
}

// WithActions replaces the action detail rows.
func (b *BillBuilder) WithActions(actions ...record.BillAction) *BillBuilder {
	b.bill.Actions = actions
	return b
}

// WithTexts replaces the text-version detail rows.
func (b *BillBuilder) WithTexts(texts ...record.BillText) *BillBuilder {
	b.bill.Texts = texts
	return b
}

// Build returns the assembled bill.
func (b *BillBuilder) Build() *record.Bill {
	bill := b.bill
	return &bill
}

// VoteBuilder builds record.Vote values.
type VoteBuilder struct {
	vote record.Vote
}

// NewVoteBuilder returns a builder with a unique rollcall number and two
// member positions attached.
func NewVoteBuilder() *VoteBuilder {
	n := nextSeq()
	voteDate := time.Date(2023, 6, 8, 14, 30, 0, 0, time.UTC)

	return &VoteBuilder{vote: record.Vote{
		SourceFile: fmt.Sprintf("bulk_data/clerk.house.gov/rolls.zip_extracted/roll%03d.xml", n),
		Congress:   118,
		Chamber:    record.ChamberHouse,
		VoteID:     fmt.Sprintf("%d", 100+n),
		VoteDate:   &voteDate,
		Result:     testutil.Ptr("Passed"),
		MemberVotes: []record.MemberVote{
			{Bioguide: "E000001", Position: "Yea"},
			{Bioguide: "E000002", Position: "Nay"},
		},
	}}
}

// WithCongress sets the congress number.
func (b *VoteBuilder) WithCongress(congress int) *VoteBuilder {
	b.vote.Congress = congress
	return b
}

// WithChamber sets the chamber code.
func (b *VoteBuilder) WithChamber(chamber string) *VoteBuilder {
	b.vote.Chamber = chamber
	return b
}

// WithVoteID sets the rollcall identifier.
func (b *VoteBuilder) WithVoteID(id string) *VoteBuilder {
	b.vote.VoteID = id
	return b
}

// WithResult sets the announced result. Pass an empty string for NULL.
func (b *VoteBuilder) WithResult(result string) *VoteBuilder {
	b.vote.Result = record.StringPtr(result)
	return b
}

// WithVoteDate sets when the vote was held.
func (b *VoteBuilder) WithVoteDate(d time.Time) *VoteBuilder {
	b.vote.VoteDate = &d
	return b
}

// WithMemberVotes replaces the per-member positions.
func (b *VoteBuilder) WithMemberVotes(votes ...record.MemberVote) *VoteBuilder {
	b.vote.MemberVotes = votes
	return b
}

// Build returns the assembled vote.
func (b *VoteBuilder) Build() *record.Vote {
	vote := b.vote
	return &vote
}

// LegislatorBuilder builds record.Legislator values.
type LegislatorBuilder struct {
	leg record.Legislator
}

// NewLegislatorBuilder returns a builder with a unique bioguide identifier.
func NewLegislatorBuilder() *LegislatorBuilder {
	n := nextSeq()

	return &LegislatorBuilder{leg: record.Legislator{
		Name:         fmt.Sprintf("Alda Example %d", n),
		Bioguide:     fmt.Sprintf("E%06d", n),
		CurrentParty: testutil.Ptr("Independent"),
		State:        testutil.Ptr("VT"),
		SourceFile:   "bulk_data/unitedstates.github.io/legislators-current.json",
	}}
}

// WithName sets the display name.
func (b *LegislatorBuilder) WithName(name string) *LegislatorBuilder {
	b.leg.Name = name
	return b
}

// WithBioguide sets the bioguide identifier.
func (b *LegislatorBuilder) WithBioguide(id string) *LegislatorBuilder {
	b.leg.Bioguide = id
	return b
}

// WithParty sets the current party. Pass an empty string for NULL.
func (b *LegislatorBuilder) WithParty(party string) *LegislatorBuilder {
	b.leg.CurrentParty = record.StringPtr(party)
	return b
}

// WithState sets the represented state. Pass an empty string for NULL.
func (b *LegislatorBuilder) WithState(state string) *LegislatorBuilder {
	b.leg.State = record.StringPtr(state)
	return b
}

// Build returns the assembled legislator.
func (b *LegislatorBuilder) Build() *record.Legislator {
	leg := b.leg
	return &leg
}
