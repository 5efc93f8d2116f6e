package rank

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// csvHeader is the stable export contract; downstream sheets key on these
// column names.
var csvHeader = []string{
	"rank", "company_name", "score_total", "hq_country", "ownership_signal",
	"industry_keywords", "why_included", "evidence_source_document_ids",
}

// WriteCSV streams the ranking as CSV. why_included is JSON-encoded inside
// its cell; evidence document ids are semicolon-joined.
func WriteCSV(w io.Writer, rows []RankedProspect) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return eris.Wrap(err, "rank: write csv header")
	}
	for i := range rows {
		record, err := csvRecord(&rows[i])
		if err != nil {
			return err
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "rank: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "rank: flush csv")
}

// WriteJSON marshals the full ranking payload.
func WriteJSON(w io.Writer, rows []RankedProspect) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(rows), "rank: write json")
}

// WriteXLSX writes the CSV columns to a single sheet named "prospects".
func WriteXLSX(w io.Writer, rows []RankedProspect) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("prospects")
	if err != nil {
		return eris.Wrap(err, "rank: add xlsx sheet")
	}

	header := sheet.AddRow()
	for _, col := range csvHeader {
		header.AddCell().SetString(col)
	}
	for i := range rows {
		record, err := csvRecord(&rows[i])
		if err != nil {
			return err
		}
		xr := sheet.AddRow()
		for _, cell := range record {
			xr.AddCell().SetString(cell)
		}
	}
	return eris.Wrap(f.Write(w), "rank: write xlsx")
}

func csvRecord(r *RankedProspect) ([]string, error) {
	why, err := json.Marshal(r.WhyIncluded)
	if err != nil {
		return nil, eris.Wrap(err, "rank: marshal why_included")
	}
	return []string{
		strconv.Itoa(r.Rank),
		r.Name,
		strconv.FormatFloat(r.ComputedScore, 'f', -1, 64),
		r.HQCountry,
		r.OwnershipSignal,
		r.IndustryKeywords,
		string(why),
		strings.Join(r.EvidenceDocIDs, ";"),
	}, nil
}
