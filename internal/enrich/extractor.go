// Package enrich derives evidence-backed facts from stored source text:
// HQ country, ownership signal and industry keywords. Rules only; every
// output is a pure function of (content_text, source_document_id) and the
// tables below, so re-running enrichment over unchanged inputs produces
// byte-identical assignments.
package enrich

import (
	"regexp"
	"sort"
	"strings"
)

// DerivedBy stamps every assignment produced by this extractor.
const DerivedBy = "deterministic_rules_v1"

const inputScopeSalt = "enrich-scope"

// countrySynonyms maps canonical country names to the lowercased synonyms
// accepted in a location fragment. Canonical names are iterated in sorted
// order so overlapping synonyms resolve deterministically.
var countrySynonyms = map[string][]string{
	"United States":        {"united states", "usa", "u.s.a", "us", "u.s"},
	"United Kingdom":       {"united kingdom", "uk", "u.k", "great britain", "britain"},
	"United Arab Emirates": {"united arab emirates", "uae"},
	"Saudi Arabia":         {"saudi arabia", "saudi", "ksa"},
	"Qatar":                {"qatar"},
	"Kuwait":               {"kuwait"},
	"Oman":                 {"oman"},
	"Bahrain":              {"bahrain"},
	"Romania":              {"romania"},
	"Republic of Moldova":  {"moldova", "republic of moldova"},
	"India":                {"india"},
	"Pakistan":             {"pakistan"},
	"Singapore":            {"singapore"},
	"China":                {"china", "prc"},
	"Japan":                {"japan"},
	"South Korea":          {"south korea", "korea"},
	"Vietnam":              {"vietnam"},
	"Thailand":             {"thailand"},
	"Indonesia":            {"indonesia"},
	"Malaysia":             {"malaysia"},
	"Philippines":          {"philippines", "philippine"},
	"Australia":            {"australia"},
	"New Zealand":          {"new zealand"},
	"Canada":               {"canada"},
	"Mexico":               {"mexico"},
	"Brazil":               {"brazil"},
	"Argentina":            {"argentina"},
	"Chile":                {"chile"},
	"Colombia":             {"colombia"},
	"Peru":                 {"peru"},
	"Germany":              {"germany"},
	"France":               {"france"},
	"Spain":                {"spain"},
	"Portugal":             {"portugal"},
	"Italy":                {"italy"},
	"Switzerland":          {"switzerland"},
	"Netherlands":          {"netherlands", "holland"},
	"Belgium":              {"belgium"},
	"Sweden":               {"sweden"},
	"Norway":               {"norway"},
	"Denmark":              {"denmark"},
	"Finland":              {"finland"},
	"Poland":               {"poland"},
	"Czech Republic":       {"czech republic", "czechia"},
	"Hungary":              {"hungary"},
	"Greece":               {"greece"},
	"Turkey":               {"turkey", "turkiye"},
	"Ireland":              {"ireland"},
	"Israel":               {"israel"},
	"Egypt":                {"egypt"},
	"Kenya":                {"kenya"},
	"Nigeria":              {"nigeria"},
	"South Africa":         {"south africa"},
}

var sortedCountries = func() []string {
	out := make([]string, 0, len(countrySynonyms))
	for c := range countrySynonyms {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}()

type hqPattern struct {
	re         *regexp.Regexp
	confidence float64
	label      string
}

// hqPatterns in priority order: the first pattern whose location fragment
// resolves to a known country wins.
var hqPatterns = []hqPattern{
	{regexp.MustCompile(`\bheadquarters?:?\s*([a-z .,'-]+)`), 0.90, "headquarters"},
	{regexp.MustCompile(`\bhq:?\s*([a-z .,'-]+)`), 0.90, "hq"},
	{regexp.MustCompile(`\bbased in\s+([a-z .,'-]+)`), 0.70, "based in"},
	{regexp.MustCompile(`\blocated in\s+([a-z .,'-]+)`), 0.70, "located in"},
}

// ownershipPriority breaks confidence ties deterministically.
var ownershipPriority = []string{"state_owned", "public_company", "subsidiary", "private_company"}

type ownershipRule struct {
	signal     string
	confidence float64
	patterns   []*regexp.Regexp
}

var ownershipRules = []ownershipRule{
	{"public_company", 0.80, []*regexp.Regexp{
		regexp.MustCompile(`\blisted on\b`),
		regexp.MustCompile(`\btraded on\b`),
		regexp.MustCompile(`\bticker\b`),
		regexp.MustCompile(`\bnyse\b`),
		regexp.MustCompile(`\bnasdaq\b`),
		regexp.MustCompile(`\blse\b`),
	}},
	{"subsidiary", 0.80, []*regexp.Regexp{
		regexp.MustCompile(`\bsubsidiary of\b`),
		regexp.MustCompile(`\bwholly owned subsidiary\b`),
	}},
	{"subsidiary", 0.60, []*regexp.Regexp{
		regexp.MustCompile(`\bpart of the\b`),
	}},
	{"private_company", 0.80, []*regexp.Regexp{
		regexp.MustCompile(`\bprivately held\b`),
		regexp.MustCompile(`\bprivate company\b`),
	}},
	{"state_owned", 0.80, []*regexp.Regexp{
		regexp.MustCompile(`\bstate[- ]owned\b`),
		regexp.MustCompile(`\bgovernment[- ]owned\b`),
		regexp.MustCompile(`\bsoe\b`),
	}},
}

// industryVocabulary is the controlled keyword set; phrases kept compact to
// limit false positives.
var industryVocabulary = []string{
	"renewable energy", "solar", "wind", "hydrogen", "battery",
	"energy storage", "grid", "power generation", "oil", "gas", "lng",
	"petrochemical", "mining", "metals", "steel", "construction", "cement",
	"real estate", "infrastructure", "logistics", "supply chain", "shipping",
	"aviation", "aerospace", "defense", "automotive", "mobility",
	"transportation", "rail", "semiconductor", "electronics", "hardware",
	"robotics", "automation", "manufacturing", "industrial equipment",
	"chemicals", "fertilizer", "agriculture", "food processing", "beverage",
	"retail", "ecommerce", "fintech", "payments", "banking", "insurance",
	"investment", "asset management", "healthcare", "hospital", "pharma",
	"biotech", "medtech", "life sciences", "education", "media",
	"entertainment", "gaming", "sports", "telecom", "iot", "smart city",
	"cloud", "saas", "data analytics", "ai", "machine learning",
	"cybersecurity", "blockchain", "water treatment", "waste management",
}

var industryPatterns = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(industryVocabulary))
	for _, kw := range industryVocabulary {
		out[kw] = regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	return out
}()

// HQCountryMatch is one resolved headquarters-country hit.
type HQCountryMatch struct {
	Country    string
	Confidence float64
	Pattern    string
}

// ExtractHQCountry scans the text for explicit location headers and resolves
// the location fragment against the controlled country list.
func ExtractHQCountry(text string) *HQCountryMatch {
	lower := strings.ToLower(text)
	for _, p := range hqPatterns {
		m := p.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		if country := matchCountry(m[1]); country != "" {
			return &HQCountryMatch{Country: country, Confidence: p.confidence, Pattern: p.label}
		}
	}
	return nil
}

var nonAlphaSpace = regexp.MustCompile(`[^a-z\s]`)

func matchCountry(fragment string) string {
	cleaned := nonAlphaSpace.ReplaceAllString(strings.ToLower(fragment), " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return ""
	}
	for _, country := range sortedCountries {
		for _, syn := range countrySynonyms[country] {
			// Synonyms with dots ("u.s") compare against the cleaned
			// fragment, so strip them the same way.
			want := strings.Join(strings.Fields(nonAlphaSpace.ReplaceAllString(syn, " ")), " ")
			if want == "" {
				continue
			}
			if wholeWordMatch(cleaned, want) {
				return country
			}
		}
	}
	return ""
}

func wholeWordMatch(haystack, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		startOK := start == 0 || haystack[start-1] == ' '
		endOK := end == len(haystack) || haystack[end] == ' '
		if startOK && endOK {
			return true
		}
		idx = start + 1
	}
}

// OwnershipMatch is the strongest ownership-signal hit.
type OwnershipMatch struct {
	Signal     string
	Confidence float64
}

// ExtractOwnershipSignal applies the phrase rules and keeps the strongest
// hit; confidence ties fall back to a fixed priority order.
func ExtractOwnershipSignal(text string) *OwnershipMatch {
	lower := strings.ToLower(text)
	var best *OwnershipMatch
	for _, rule := range ownershipRules {
		for _, p := range rule.patterns {
			if p.MatchString(lower) {
				best = strongerOwnership(best, &OwnershipMatch{Signal: rule.signal, Confidence: rule.confidence})
				break
			}
		}
	}
	return best
}

func strongerOwnership(current, incoming *OwnershipMatch) *OwnershipMatch {
	if current == nil {
		return incoming
	}
	if incoming.Confidence > current.Confidence {
		return incoming
	}
	if incoming.Confidence < current.Confidence {
		return current
	}
	if ownershipRank(incoming.Signal) < ownershipRank(current.Signal) {
		return incoming
	}
	return current
}

func ownershipRank(signal string) int {
	for i, s := range ownershipPriority {
		if s == signal {
			return i
		}
	}
	return len(ownershipPriority)
}

// IndustryKeywordsMatch is the ranked keyword hit list.
type IndustryKeywordsMatch struct {
	Keywords   []string
	Confidence float64
}

// ExtractIndustryKeywords counts whole-word vocabulary hits, ranks them by
// (-count, keyword) and keeps the top ten. Confidence steps up when any
// keyword repeats.
func ExtractIndustryKeywords(text string) *IndustryKeywordsMatch {
	lower := strings.ToLower(text)

	type hit struct {
		keyword string
		count   int
	}
	var hits []hit
	maxCount := 0
	for _, kw := range industryVocabulary {
		n := len(industryPatterns[kw].FindAllStringIndex(lower, -1))
		if n == 0 {
			continue
		}
		hits = append(hits, hit{kw, n})
		if n > maxCount {
			maxCount = n
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].count != hits[b].count {
			return hits[a].count > hits[b].count
		}
		return hits[a].keyword < hits[b].keyword
	})
	if len(hits) > 10 {
		hits = hits[:10]
	}

	keywords := make([]string, len(hits))
	for i, h := range hits {
		keywords[i] = h.keyword
	}
	confidence := 0.60
	if maxCount >= 2 {
		confidence = 0.70
	}
	return &IndustryKeywordsMatch{Keywords: keywords, Confidence: confidence}
}
