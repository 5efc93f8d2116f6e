package acquire

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// boilerplate nodes are dropped before any text extraction.
const boilerplateSelector = "script, style, noscript, nav, footer, header, aside"

// blockSelector enumerates the elements treated as one line of output each.
const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, td, th, caption, figcaption, blockquote, pre"

var spaceRun = regexp.MustCompile(`[ \t]+`)

// ExtractHTML parses HTML and returns the document title plus structural
// plain text: one line per block element, boilerplate containers removed.
func ExtractHTML(body []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", eris.Wrap(err, "acquire: parse html")
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find(boilerplateSelector).Remove()

	var lines []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks (a td holding a list, an li holding a p) are
		// emitted by their innermost element only.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		line := collapseSpaces(s.Text())
		if line != "" {
			lines = append(lines, line)
		}
	})

	if len(lines) == 0 {
		if t := collapseSpaces(doc.Find("body").Text()); t != "" {
			lines = append(lines, t)
		}
	}

	return title, strings.Join(lines, "\n"), nil
}

// skippedContainer matches class/id fragments of chrome that never holds
// company names.
var skippedContainer = regexp.MustCompile(`(?i)\b(nav|menu|sidebar|widget|footer|header|breadcrumb)`)

// ListCandidates extracts candidate lines for prospect mining: first-column
// table cells and ul/ol items, skipping navigation-shaped containers and
// anything over maxLen characters. At most limit items are returned.
func ListCandidates(body []byte, maxLen, limit int) ([]string, error) {
	if maxLen <= 0 {
		maxLen = 150
	}
	if limit <= 0 {
		limit = 200
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "acquire: parse html")
	}
	doc.Find("script, style, noscript").Remove()

	var items []string
	add := func(s *goquery.Selection) {
		if len(items) >= limit || inSkippedContainer(s) {
			return
		}
		line := collapseSpaces(s.Text())
		if line == "" || len(line) > maxLen {
			return
		}
		items = append(items, line)
	}

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cell := row.Find("td, th").First()
		if cell.Length() > 0 {
			add(cell)
		}
	})
	doc.Find("ul li, ol li").Each(func(_ int, li *goquery.Selection) {
		add(li)
	})

	return items, nil
}

func inSkippedContainer(s *goquery.Selection) bool {
	for p := s; p.Length() > 0; p = p.Parent() {
		class, _ := p.Attr("class")
		id, _ := p.Attr("id")
		if skippedContainer.MatchString(class) || skippedContainer.MatchString(id) {
			return true
		}
		if goquery.NodeName(p) == "nav" {
			return true
		}
	}
	return false
}

func collapseSpaces(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	s = spaceRun.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
