package normalize

import (
	"regexp"
	"strings"
)

// companySuffixes are stripped in one sequential pass, so ordering matters:
// "acme corp." keeps "corp" until the trailing dot is gone on a later entry.
var companySuffixes = []string{
	" ltd", " llc", " plc", " saog", " sa", " gmbh", " ag",
	" inc", " corp", " corporation", " limited", " group", " holdings",
	".", ",",
}

// CompanyName normalizes a company name for deduplication: lowercase, legal
// suffixes stripped, whitespace collapsed.
func CompanyName(name string) string {
	n := strings.ToLower(name)
	for _, suffix := range companySuffixes {
		n = strings.TrimSuffix(n, suffix)
	}
	return strings.Join(strings.Fields(n), " ")
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// PersonName normalizes a person's full name for matching: lowercase,
// non-alphanumeric runs collapsed to single spaces.
func PersonName(name string) string {
	n := strings.ToLower(name)
	n = nonAlnum.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// Email normalizes an email address for exact matching.
func Email(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Country normalizes a country value for name+country company matching.
func Country(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}
