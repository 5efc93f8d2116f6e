package rank

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func sampleRows() []RankedProspect {
	return []RankedProspect{
		{
			Rank:             1,
			ID:               "p-a",
			Name:             "Strong AB",
			ComputedScore:    1.8,
			HQCountry:        "Sweden",
			OwnershipSignal:  "private_company",
			IndustryKeywords: "logistics, shipping",
			WhyIncluded: []WhyIncluded{
				{FieldKey: "company_mention", Value: "Strong AB", Confidence: 0.9, SourceDocumentID: "doc-a"},
			},
			EvidenceDocIDs: []string{"doc-a", "doc-b"},
		},
		{
			Rank:          2,
			ID:            "p-b",
			Name:          "Weak AS",
			ComputedScore: 0.4,
			WhyIncluded:   []WhyIncluded{},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRows()))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t,
		"rank,company_name,score_total,hq_country,ownership_signal,industry_keywords,why_included,evidence_source_document_ids",
		lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1,Strong AB,1.8,Sweden,private_company,"))
	assert.Contains(t, lines[1], "doc-a;doc-b")
	assert.True(t, strings.HasPrefix(lines[2], "2,Weak AS,0.4,,,"))

	// The why_included cell must round-trip as JSON.
	var why []WhyIncluded
	start := strings.Index(lines[1], `"[{`)
	end := strings.LastIndex(lines[1], `}]"`)
	require.True(t, start >= 0 && end > start)
	cell := strings.ReplaceAll(lines[1][start+1:end+2], `""`, `"`)
	require.NoError(t, json.Unmarshal([]byte(cell), &why))
	require.Len(t, why, 1)
	assert.Equal(t, "company_mention", why[0].FieldKey)
	assert.Equal(t, "doc-a", why[0].SourceDocumentID)
}

func TestWriteCSV_EmptyRanking(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t,
		"rank,company_name,score_total,hq_country,ownership_signal,industry_keywords,why_included,evidence_source_document_ids\n",
		buf.String())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleRows()))

	var decoded []RankedProspect
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "Strong AB", decoded[0].Name)
	assert.Equal(t, 1.8, decoded[0].ComputedScore)
	assert.Equal(t, []string{"doc-a", "doc-b"}, decoded[0].EvidenceDocIDs)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleRows()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	sheet := f.Sheets[0]
	assert.Equal(t, "prospects", sheet.Name)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "rank", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "Strong AB", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "doc-a;doc-b", sheet.Rows[1].Cells[7].String())
	assert.Equal(t, "Weak AS", sheet.Rows[2].Cells[1].String())
}
