// Package record defines the normalized shapes the parse phase emits and
// the store persists. Records are value objects: built once during parsing
// and never mutated after they reach the store.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Chamber codes accepted throughout the pipeline.
const (
	ChamberHR     = "hr"
	ChamberHouse  = "house"
	ChamberSenate = "senate"
	ChamberS      = "s"
)

// Bill is one parsed bill-status document.
type Bill struct {
	SourceFile     string
	Congress       int
	Chamber        string
	BillNumber     string
	Title          *string
	SponsorName    *string
	IntroducedDate *time.Time

	// Detail rows parsed alongside the base record. The store replaces
	// them wholesale when the document carries any; an empty set leaves
	// stored rows alone.
	Sponsors []Sponsor
	Actions  []BillAction
	Texts    []BillText
}

// NaturalKey identifies the bill across runs.
func (b Bill) NaturalKey() string {
	return fmt.Sprintf("%d/%s/%s", b.Congress, b.Chamber, b.BillNumber)
}

// Sponsor is a sponsoring or cosponsoring legislator on a bill.
type Sponsor struct {
	Name     string
	Bioguide *string
}

// BillAction is one entry from a bill's action history.
type BillAction struct {
	ActionDate *time.Time
	Text       string
}

// BillText points at one published text version of a bill.
type BillText struct {
	VersionCode *string
	URL         string
}

// Vote is one parsed rollcall document.
type Vote struct {
	SourceFile string
	Congress   int
	Chamber    string
	VoteID     string
	VoteDate   *time.Time
	Result     *string

	MemberVotes []MemberVote
}

// NaturalKey identifies the rollcall across runs.
func (v Vote) NaturalKey() string {
	return fmt.Sprintf("%d/%s/%s", v.Congress, v.Chamber, v.VoteID)
}

// MemberVote is one member's recorded position on a rollcall.
type MemberVote struct {
	Bioguide string
	Position string
}

// Legislator is one entry from the canonical legislator reference JSON.
type Legislator struct {
	Name         string
	Bioguide     string
	CurrentParty *string
	State        *string
	SourceFile   string
}

// NormalizeChamber lowercases publisher chamber spellings into the code
// set used by the natural keys. Unknown forms are kept lowercased so the
// store still has a stable key for them.
func NormalizeChamber(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	switch c {
	case "hr", "h", "house", "house of representatives":
		if c == "house" || c == "house of representatives" || c == "h" {
			return ChamberHouse
		}
		return ChamberHR
	case "s", "sen":
		return ChamberS
	case "senate":
		return ChamberSenate
	}
	return c
}

// ParseDate leniently parses publisher date strings: ISO-8601 dates and
// date-times pass, anything else yields nil.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if ts, err := time.Parse(layout, raw); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

// StringPtr returns a pointer to s, or nil when s is blank. Parsers use it
// so missing publisher fields become database NULLs.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
