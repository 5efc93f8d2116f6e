// Package classify grades extracted source content and detects templated
// duplicates within a run. Everything here is a pure function of stored
// content plus the version constants, so re-running it over unchanged inputs
// is a no-op.
package classify

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/normalize"
)

// ExtractionVersion stamps every classified document. Bumping it forces
// re-extraction of previously classified content.
const ExtractionVersion = "5.2.0"

// Quality thresholds.
const (
	MinWordsHTML           = 150
	MinWordsPDF            = 50
	ExtremeMinWords        = 5
	UniqueTokenRatioMin    = 0.12
	AlphaRatioMin          = 0.55
	TemplateSignatureBytes = 2000
	SignatureTokenCount    = 500
)

// Reason codes. REJECT_* forces decision reject, any FLAG_* forces flag.
const (
	ReasonEmptyText           = "REJECT_EMPTY_TEXT"
	ReasonExtremeThin         = "REJECT_EXTREME_THIN"
	ReasonThinContent         = "FLAG_THIN_CONTENT"
	ReasonPaywallOrLogin      = "FLAG_PAYWALL_OR_LOGIN"
	ReasonErrorPage           = "FLAG_ERROR_PAGE"
	ReasonUnextractablePDF    = "FLAG_UNEXTRACTABLE_PDF"
	ReasonPDFBytesMissing     = "FLAG_PDF_BYTES_MISSING"
	ReasonBoilerplateDominant = "FLAG_BOILERPLATE_DOMINANT"
	ReasonUnsupportedType     = "FLAG_UNSUPPORTED_TYPE"
	ReasonDuplicateTemplate   = "FLAG_DUPLICATE_TEMPLATE"
)

var paywallKeywords = []string{"subscribe", "sign in", "log in", "access denied", "registration", "paywall"}

var errorKeywords = []string{"page not found", "404", "service unavailable", "temporarily unavailable"}

var (
	spaceRuns   = regexp.MustCompile(`[\t ]+`)
	newlineRuns = regexp.MustCompile(`\n{2,}`)
	wordRe      = regexp.MustCompile(`\b\w+\b`)
)

// NormalizeText canonicalizes content before hashing and grading: CRLF to
// LF, runs of tabs/spaces to one space, blank-line runs to one newline,
// leading/trailing space trimmed.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = newlineRuns.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// Tokenize lowercases and splits on word boundaries.
func Tokenize(s string) []string {
	return wordRe.FindAllString(strings.ToLower(s), -1)
}

// Input is everything Evaluate needs about one document.
type Input struct {
	SourceType  model.SourceType
	ContentType string
	Title       string
	Text        string // raw stored content_text
	HasRawBytes bool   // PDFs without stored bytes get flagged
}

// Result is the classification outcome plus the normalized text and hashes
// the caller writes back to the document.
type Result struct {
	Quality        *model.QualityInfo
	NormalizedText string
	TextHash       string
}

// Evaluate grades one document. Pure: equal inputs always produce equal
// results.
func Evaluate(in Input) Result {
	text := NormalizeText(in.Text)
	tokens := Tokenize(text)
	wordCount := len(tokens)

	minWords := MinWordsHTML
	isPDF := in.SourceType == model.SourceTypePDF || strings.Contains(in.ContentType, "pdf")
	if isPDF {
		minWords = MinWordsPDF
	}

	var reasons []string
	if unsupportedContentType(in.ContentType, isPDF) {
		reasons = append(reasons, ReasonUnsupportedType)
	}
	if isPDF && !in.HasRawBytes {
		reasons = append(reasons, ReasonPDFBytesMissing)
	}

	uniqueRatio := 0.0
	alphaRatio := 0.0
	if wordCount == 0 {
		reasons = append(reasons, ReasonEmptyText)
		if isPDF && in.HasRawBytes {
			reasons = append(reasons, ReasonUnextractablePDF)
		}
	} else {
		switch {
		case wordCount < ExtremeMinWords:
			reasons = append(reasons, ReasonExtremeThin)
		case wordCount < minWords:
			reasons = append(reasons, ReasonThinContent)
		}

		probe := strings.ToLower(in.Title + " " + firstN(text, TemplateSignatureBytes))
		if containsAny(probe, paywallKeywords) {
			reasons = append(reasons, ReasonPaywallOrLogin)
		}
		if containsAny(probe, errorKeywords) {
			reasons = append(reasons, ReasonErrorPage)
		}

		uniqueRatio = uniqueTokenRatio(tokens)
		alphaRatio = alphaCharRatio(text)
		// Boilerplate only matters on documents long enough to judge.
		if wordCount >= MinWordsHTML && (uniqueRatio < UniqueTokenRatioMin || alphaRatio < AlphaRatioMin) {
			reasons = append(reasons, ReasonBoilerplateDominant)
		}
	}

	q := &model.QualityInfo{
		Decision:         Decide(reasons),
		Reasons:          sortedReasons(reasons),
		WordCount:        wordCount,
		UniqueTokenRatio: uniqueRatio,
		AlphaRatio:       alphaRatio,
	}
	if wordCount > 0 {
		q.SignaturePrefix2K = normalize.SHA256Hex(firstN(text, TemplateSignatureBytes))
		q.SignatureTokens = normalize.SHA256Hex(strings.Join(firstTokens(tokens, SignatureTokenCount), " "))
	}

	var textHash string
	if text != "" {
		textHash = normalize.SHA256Hex(text)
	}
	return Result{Quality: q, NormalizedText: text, TextHash: textHash}
}

// Decide maps reason codes to a decision: any REJECT_* rejects, any FLAG_*
// flags, otherwise accept.
func Decide(reasons []string) model.QualityDecision {
	flagged := false
	for _, r := range reasons {
		if strings.HasPrefix(r, "REJECT_") {
			return model.QualityReject
		}
		if strings.HasPrefix(r, "FLAG_") {
			flagged = true
		}
	}
	if flagged {
		return model.QualityFlag
	}
	return model.QualityAccept
}

func unsupportedContentType(contentType string, isPDF bool) bool {
	if isPDF || contentType == "" {
		return false
	}
	ct := strings.ToLower(contentType)
	return !strings.Contains(ct, "html") && !strings.Contains(ct, "text") && !strings.Contains(ct, "json")
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstTokens(tokens []string, n int) []string {
	if len(tokens) <= n {
		return tokens
	}
	return tokens[:n]
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func uniqueTokenRatio(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		seen[tok] = struct{}{}
	}
	return float64(len(seen)) / float64(len(tokens))
}

func alphaCharRatio(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	alpha := 0
	total := 0
	for _, r := range s {
		total++
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	return float64(alpha) / float64(total)
}

func sortedReasons(reasons []string) []string {
	if len(reasons) == 0 {
		return nil
	}
	out := append([]string(nil), reasons...)
	sort.Strings(out)
	return out
}
