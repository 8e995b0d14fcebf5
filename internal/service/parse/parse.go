// Package parse extracts normalized records from the extracted publisher
// trees. The extractors are conservative: a malformed document yields zero
// records and a warning, never a failed run.
package parse

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/civiclens/capitol-ingest/internal/domain/record"
)

// maxDocumentBytes bounds how much of a single publisher file is read.
// Bulk-data documents are far smaller; anything larger is suspect.
const maxDocumentBytes = 64 << 20

// ParsedSet aggregates every record parsed out of one tree walk.
type ParsedSet struct {
	Bills       []record.Bill
	Votes       []record.Vote
	Legislators []record.Legislator
}

// Service routes extracted files to the per-format record extractors.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// ParseTree walks root and parses every recognized document. Files it
// cannot classify are skipped at debug level.
func (s *Service) ParseTree(ctx context.Context, root string) *ParsedSet {
	set := &ParsedSet{}

	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("cannot walk path, skipping", "path", p, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			return nil
		}

		name := strings.ToLower(d.Name())
		switch {
		case strings.HasSuffix(name, ".xml"):
			switch s.sniffRoot(p) {
			case "billStatus":
				set.Bills = append(set.Bills, s.ParseBillStatus(p)...)
			case "rollcall-vote", "roll_call_vote":
				set.Votes = append(set.Votes, s.ParseRollcall(p)...)
			default:
				s.logger.Debug("unrecognized XML document", "path", p)
			}
		case strings.HasSuffix(name, ".json") && strings.Contains(name, "legislators"):
			set.Legislators = append(set.Legislators, s.ParseLegislators(p)...)
		}
		return nil
	})

	s.logger.Info("parse walk complete",
		"root", root,
		"bills", len(set.Bills),
		"votes", len(set.Votes),
		"legislators", len(set.Legislators))
	return set
}

// billStatusDoc is the subset of the publisher's bill-status XML the
// pipeline extracts. Older dumps use <number>/<type>, newer ones
// <billNumber>/<billType>; both are read and coalesced.
type billStatusDoc struct {
	XMLName xml.Name       `xml:"billStatus"`
	Bill    billStatusBill `xml:"bill"`
}

type billStatusBill struct {
	Number         string `xml:"number"`
	BillNumber     string `xml:"billNumber"`
	Congress       string `xml:"congress"`
	Type           string `xml:"type"`
	BillType       string `xml:"billType"`
	OriginChamber  string `xml:"originChamber"`
	Title          string `xml:"title"`
	IntroducedDate string `xml:"introducedDate"`
	Sponsors       struct {
		Items []billStatusSponsor `xml:"item"`
	} `xml:"sponsors"`
	Actions struct {
		Items []billStatusAction `xml:"item"`
	} `xml:"actions"`
	TextVersions struct {
		Items []billStatusTextVersion `xml:"item"`
	} `xml:"textVersions"`
}

type billStatusSponsor struct {
	FullName  string `xml:"fullName"`
	FirstName string `xml:"firstName"`
	LastName  string `xml:"lastName"`
	Bioguide  string `xml:"bioguideId"`
}

type billStatusAction struct {
	ActionDate string `xml:"actionDate"`
	Text       string `xml:"text"`
}

type billStatusTextVersion struct {
	Type    string `xml:"type"`
	Formats struct {
		Items []struct {
			URL string `xml:"url"`
		} `xml:"item"`
	} `xml:"formats"`
}

// ParseBillStatus extracts at most one bill record from a bill-status XML
// document. Missing fields stay nil.
func (s *Service) ParseBillStatus(path string) []record.Bill {
	data, err := s.readDocument(path)
	if err != nil {
		s.logger.Warn("cannot read bill status document", "path", path, "error", err)
		return nil
	}

	var doc billStatusDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("malformed bill status document", "path", path, "error", err)
		return nil
	}

	bill := doc.Bill
	number := firstNonEmpty(bill.Number, bill.BillNumber)
	if number == "" && bill.Congress == "" && bill.Title == "" {
		s.logger.Warn("bill status document carries no bill", "path", path)
		return nil
	}

	chamber := bill.OriginChamber
	if chamber == "" {
		chamber = firstNonEmpty(bill.Type, bill.BillType)
	}

	rec := record.Bill{
		SourceFile:     path,
		Congress:       parseInt(bill.Congress),
		Chamber:        record.NormalizeChamber(chamber),
		BillNumber:     strings.TrimSpace(number),
		Title:          record.StringPtr(bill.Title),
		IntroducedDate: record.ParseDate(bill.IntroducedDate),
	}

	for _, sp := range bill.Sponsors.Items {
		name := sponsorName(sp)
		if name == "" {
			continue
		}
		rec.Sponsors = append(rec.Sponsors, record.Sponsor{
			Name:     name,
			Bioguide: record.StringPtr(sp.Bioguide),
		})
	}
	if len(rec.Sponsors) > 0 {
		rec.SponsorName = record.StringPtr(rec.Sponsors[0].Name)
	}

	for _, action := range bill.Actions.Items {
		text := strings.TrimSpace(action.Text)
		if text == "" {
			continue
		}
		rec.Actions = append(rec.Actions, record.BillAction{
			ActionDate: record.ParseDate(action.ActionDate),
			Text:       text,
		})
	}

	for _, tv := range bill.TextVersions.Items {
		for _, format := range tv.Formats.Items {
			url := strings.TrimSpace(format.URL)
			if url == "" {
				continue
			}
			rec.Texts = append(rec.Texts, record.BillText{
				VersionCode: record.StringPtr(tv.Type),
				URL:         url,
			})
		}
	}

	return []record.Bill{rec}
}

// houseRollcall matches the House clerk's rollcall XML.
type houseRollcall struct {
	XMLName  xml.Name `xml:"rollcall-vote"`
	Metadata struct {
		Congress    string `xml:"congress"`
		RollcallNum string `xml:"rollcall-num"`
		ActionDate  string `xml:"action-date"`
		VoteResult  string `xml:"vote-result"`
	} `xml:"vote-metadata"`
	Data struct {
		RecordedVotes []struct {
			Legislator struct {
				NameID string `xml:"name-id,attr"`
				Name   string `xml:",chardata"`
			} `xml:"legislator"`
			Vote string `xml:"vote"`
		} `xml:"recorded-vote"`
	} `xml:"vote-data"`
}

// senateRollcall matches the Senate's rollcall XML.
type senateRollcall struct {
	XMLName    xml.Name `xml:"roll_call_vote"`
	Congress   string   `xml:"congress"`
	VoteNumber string   `xml:"vote_number"`
	VoteDate   string   `xml:"vote_date"`
	VoteResult string   `xml:"vote_result"`
	Members    struct {
		Members []struct {
			LisMemberID string `xml:"lis_member_id"`
			VoteCast    string `xml:"vote_cast"`
		} `xml:"member"`
	} `xml:"members"`
}

// ParseRollcall extracts at most one vote record from a rollcall XML
// document in either the House or Senate format.
func (s *Service) ParseRollcall(path string) []record.Vote {
	data, err := s.readDocument(path)
	if err != nil {
		s.logger.Warn("cannot read rollcall document", "path", path, "error", err)
		return nil
	}

	var house houseRollcall
	if err := xml.Unmarshal(data, &house); err == nil {
		return []record.Vote{s.houseVote(path, house)}
	}

	var senate senateRollcall
	if err := xml.Unmarshal(data, &senate); err == nil {
		return []record.Vote{s.senateVote(path, senate)}
	}

	s.logger.Warn("malformed rollcall document", "path", path)
	return nil
}

func (s *Service) houseVote(path string, doc houseRollcall) record.Vote {
	vote := record.Vote{
		SourceFile: path,
		Congress:   parseInt(doc.Metadata.Congress),
		Chamber:    record.ChamberHouse,
		VoteID:     strings.TrimSpace(doc.Metadata.RollcallNum),
		VoteDate:   record.ParseDate(doc.Metadata.ActionDate),
		Result:     record.StringPtr(doc.Metadata.VoteResult),
	}
	for _, rv := range doc.Data.RecordedVotes {
		id := strings.TrimSpace(rv.Legislator.NameID)
		if id == "" {
			continue
		}
		vote.MemberVotes = append(vote.MemberVotes, record.MemberVote{
			Bioguide: id,
			Position: strings.TrimSpace(rv.Vote),
		})
	}
	return vote
}

func (s *Service) senateVote(path string, doc senateRollcall) record.Vote {
	vote := record.Vote{
		SourceFile: path,
		Congress:   parseInt(doc.Congress),
		Chamber:    record.ChamberSenate,
		VoteID:     strings.TrimSpace(doc.VoteNumber),
		VoteDate:   record.ParseDate(doc.VoteDate),
		Result:     record.StringPtr(doc.VoteResult),
	}
	for _, m := range doc.Members.Members {
		id := strings.TrimSpace(m.LisMemberID)
		if id == "" {
			continue
		}
		vote.MemberVotes = append(vote.MemberVotes, record.MemberVote{
			Bioguide: id,
			Position: strings.TrimSpace(m.VoteCast),
		})
	}
	return vote
}

// legislatorEntry is the subset of the reference JSON the pipeline keeps.
type legislatorEntry struct {
	ID struct {
		Bioguide string `json:"bioguide"`
	} `json:"id"`
	Name struct {
		First        string `json:"first"`
		Last         string `json:"last"`
		OfficialFull string `json:"official_full"`
	} `json:"name"`
	Terms []struct {
		State string `json:"state"`
		Party string `json:"party"`
	} `json:"terms"`
}

// ParseLegislators extracts one record per entry from the canonical
// legislator reference JSON. Entries without a bioguide id are dropped.
func (s *Service) ParseLegislators(path string) []record.Legislator {
	data, err := s.readDocument(path)
	if err != nil {
		s.logger.Warn("cannot read legislator document", "path", path, "error", err)
		return nil
	}

	var entries []legislatorEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("malformed legislator document", "path", path, "error", err)
		return nil
	}

	records := make([]record.Legislator, 0, len(entries))
	for _, entry := range entries {
		bioguide := strings.TrimSpace(entry.ID.Bioguide)
		if bioguide == "" {
			s.logger.Debug("legislator entry without bioguide id, skipping", "path", path)
			continue
		}

		name := strings.TrimSpace(entry.Name.OfficialFull)
		if name == "" {
			name = strings.TrimSpace(strings.TrimSpace(entry.Name.First) + " " + strings.TrimSpace(entry.Name.Last))
		}

		rec := record.Legislator{
			Name:       name,
			Bioguide:   bioguide,
			SourceFile: path,
		}
		if len(entry.Terms) > 0 {
			last := entry.Terms[len(entry.Terms)-1]
			rec.CurrentParty = record.StringPtr(last.Party)
			rec.State = record.StringPtr(last.State)
		}
		records = append(records, rec)
	}
	return records
}

// sniffRoot returns the local name of a document's root element, or ""
// when none is found in the first 64 KiB.
func (s *Service) sniffRoot(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	decoder := xml.NewDecoder(io.LimitReader(f, 64<<10))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}

func (s *Service) readDocument(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxDocumentBytes {
		return nil, fmt.Errorf("document is %d bytes, limit is %d", info.Size(), maxDocumentBytes)
	}
	return os.ReadFile(path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func parseInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func sponsorName(sp billStatusSponsor) string {
	if full := strings.TrimSpace(sp.FullName); full != "" {
		return full
	}
	composed := strings.TrimSpace(strings.TrimSpace(sp.FirstName) + " " + strings.TrimSpace(sp.LastName))
	return composed
}
