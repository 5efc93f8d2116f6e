package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-pipeline/internal/model"
)

// richText builds content that clears every threshold: distinct words, all
// alphabetic, well over the HTML minimum.
func richText(words int) string {
	vocab := []string{
		"industrial", "manufacturer", "regional", "supplier", "logistics",
		"company", "facility", "production", "engineering", "materials",
		"exports", "operations", "equipment", "assembly", "precision",
	}
	parts := make([]string, 0, words)
	for i := 0; i < words; i++ {
		parts = append(parts, vocab[i%len(vocab)]+string(rune('a'+i%23)))
	}
	return strings.Join(parts, " ")
}

func TestNormalizeText(t *testing.T) {
	in := "First  line\t\there\r\nSecond line\r\n\r\n\r\nThird line  "
	assert.Equal(t, "First line here\nSecond line\nThird line", NormalizeText(in))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"acme", "industrial", "ab", "2024"}, Tokenize("Acme Industrial AB, 2024!"))
}

func TestEvaluate_AcceptsRichContent(t *testing.T) {
	res := Evaluate(Input{
		SourceType:  model.SourceTypeURL,
		ContentType: "text/html",
		Text:        richText(300),
	})
	assert.Equal(t, model.QualityAccept, res.Quality.Decision)
	assert.Empty(t, res.Quality.Reasons)
	assert.Equal(t, 300, res.Quality.WordCount)
	assert.NotEmpty(t, res.Quality.SignaturePrefix2K)
	assert.NotEmpty(t, res.Quality.SignatureTokens)
	assert.NotEmpty(t, res.TextHash)
}

func TestEvaluate_EmptyTextRejects(t *testing.T) {
	res := Evaluate(Input{SourceType: model.SourceTypeURL, ContentType: "text/html"})
	assert.Equal(t, model.QualityReject, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonEmptyText)
	assert.Empty(t, res.TextHash)
	assert.Empty(t, res.Quality.SignaturePrefix2K)
}

func TestEvaluate_ExtremeThinRejects(t *testing.T) {
	res := Evaluate(Input{SourceType: model.SourceTypeURL, ContentType: "text/html", Text: "just four small words"})
	assert.Equal(t, model.QualityReject, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonExtremeThin)
}

func TestEvaluate_ThinContentFlags(t *testing.T) {
	res := Evaluate(Input{SourceType: model.SourceTypeURL, ContentType: "text/html", Text: richText(60)})
	assert.Equal(t, model.QualityFlag, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonThinContent)
}

func TestEvaluate_PDFUsesLowerMinimum(t *testing.T) {
	res := Evaluate(Input{
		SourceType:  model.SourceTypePDF,
		ContentType: "application/pdf",
		Text:        richText(60),
		HasRawBytes: true,
	})
	assert.Equal(t, model.QualityAccept, res.Quality.Decision)
}

func TestEvaluate_PaywallProbeFlags(t *testing.T) {
	res := Evaluate(Input{
		SourceType:  model.SourceTypeURL,
		ContentType: "text/html",
		Title:       "Subscribe to continue reading",
		Text:        richText(300),
	})
	assert.Equal(t, model.QualityFlag, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonPaywallOrLogin)
}

func TestEvaluate_ErrorPageFlags(t *testing.T) {
	res := Evaluate(Input{
		SourceType:  model.SourceTypeURL,
		ContentType: "text/html",
		Text:        "Page not found " + richText(300),
	})
	assert.Equal(t, model.QualityFlag, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonErrorPage)
}

func TestEvaluate_BoilerplateDominantFlags(t *testing.T) {
	// 200 repetitions of the same three words: unique-token ratio far
	// below the threshold, length above the HTML minimum.
	text := strings.TrimSpace(strings.Repeat("click here now ", 200))
	res := Evaluate(Input{SourceType: model.SourceTypeURL, ContentType: "text/html", Text: text})
	assert.Equal(t, model.QualityFlag, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonBoilerplateDominant)
	assert.Less(t, res.Quality.UniqueTokenRatio, UniqueTokenRatioMin)
}

func TestEvaluate_ShortBoilerplateNotFlagged(t *testing.T) {
	// Below the HTML minimum the boilerplate heuristic stays quiet; only
	// the thin-content flag applies.
	res := Evaluate(Input{SourceType: model.SourceTypeURL, ContentType: "text/html", Text: strings.TrimSpace(strings.Repeat("menu item ", 50))})
	assert.NotContains(t, res.Quality.Reasons, ReasonBoilerplateDominant)
	assert.Contains(t, res.Quality.Reasons, ReasonThinContent)
}

func TestEvaluate_UnsupportedContentTypeFlags(t *testing.T) {
	res := Evaluate(Input{SourceType: model.SourceTypeURL, ContentType: "application/octet-stream", Text: richText(300)})
	assert.Equal(t, model.QualityFlag, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonUnsupportedType)
}

func TestEvaluate_PDFBytesMissingFlags(t *testing.T) {
	res := Evaluate(Input{SourceType: model.SourceTypePDF, Text: richText(60), HasRawBytes: false})
	assert.Equal(t, model.QualityFlag, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonPDFBytesMissing)
}

func TestEvaluate_UnextractablePDF(t *testing.T) {
	res := Evaluate(Input{SourceType: model.SourceTypePDF, HasRawBytes: true})
	assert.Equal(t, model.QualityReject, res.Quality.Decision)
	assert.Contains(t, res.Quality.Reasons, ReasonUnextractablePDF)
	assert.Contains(t, res.Quality.Reasons, ReasonEmptyText)
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := Input{SourceType: model.SourceTypeURL, ContentType: "text/html", Text: richText(200), Title: "Suppliers"}
	a := Evaluate(in)
	b := Evaluate(in)
	require.Equal(t, a.TextHash, b.TextHash)
	require.Equal(t, a.Quality.SignaturePrefix2K, b.Quality.SignaturePrefix2K)
	require.Equal(t, a.Quality.SignatureTokens, b.Quality.SignatureTokens)
	require.Equal(t, a.Quality.Reasons, b.Quality.Reasons)
}

func TestDecide(t *testing.T) {
	assert.Equal(t, model.QualityAccept, Decide(nil))
	assert.Equal(t, model.QualityFlag, Decide([]string{ReasonThinContent}))
	assert.Equal(t, model.QualityReject, Decide([]string{ReasonThinContent, ReasonEmptyText}))
}
