package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-pipeline/internal/model"
)

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestValidateEvidence(t *testing.T) {
	err := validateEvidence([]model.SignalEvidence{
		{ProspectID: "p1", FieldKey: model.EvidenceCompanyMention, SourceDocumentID: "src-1"},
	})
	require.NoError(t, err)

	err = validateEvidence([]model.SignalEvidence{
		{ProspectID: "p1", FieldKey: model.EvidenceCompanyMention},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_document_id")

	err = validateEvidence([]model.SignalEvidence{
		{FieldKey: model.EvidenceCompanyMention, SourceDocumentID: "src-1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prospect_id")
}

func TestValidateAssignments(t *testing.T) {
	ok := model.EnrichmentAssignment{
		FieldKey:         model.FieldHQCountry,
		SourceDocumentID: "src-1",
		ContentHash:      "h1",
	}
	require.NoError(t, validateAssignments([]model.EnrichmentAssignment{ok}))

	noSource := ok
	noSource.SourceDocumentID = ""
	err := validateAssignments([]model.EnrichmentAssignment{noSource})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_document_id")

	noHash := ok
	noHash.ContentHash = ""
	err = validateAssignments([]model.EnrichmentAssignment{noHash})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content_hash")
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0, 100))
	assert.Equal(t, 100, normalizeLimit(-5, 100))
	assert.Equal(t, 50, normalizeLimit(50, 100))
	assert.Equal(t, 1000, normalizeLimit(5000, 100))
}

func TestMarshalQuality(t *testing.T) {
	b, err := marshalQuality(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = marshalQuality(&model.QualityInfo{Decision: model.QualityAccept, WordCount: 420})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"accept"`)
}

func TestMarshalMeta(t *testing.T) {
	b, err := marshalMeta(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = marshalMeta(&model.SourceMeta{Dedupe: &model.DedupeInfo{DedupedTo: "src-9"}})
	require.NoError(t, err)
	assert.Contains(t, string(b), "src-9")
}
