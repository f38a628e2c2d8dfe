package scraper

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"go-certscraper/pkg/models"
)

// NotFoundPattern matches the wording the lookup site shows when a certificate
// number is unknown. It is written so it compiles both as a Go regexp (with a
// (?i) prefix) and as a JavaScript RegExp with the "i" flag.
const NotFoundPattern = `not\s+found|could\s+not\s+be\s+found|no\s+results|invalid\s+cert|not\s+a\s+valid`

// ResultSelector matches the label/value markup a populated result page renders.
const ResultSelector = "table td, dl dt"

var (
	notFoundRe    = regexp.MustCompile(`(?i)` + NotFoundPattern)
	gradeRe       = regexp.MustCompile(`(?i)\b(MS|PR|PF|SP|AU|XF|EF|VF|VG|AG|FR|PO|F|G)\s*-?\s*\d{1,2}\b`)
	cloudfrontRe  = regexp.MustCompile(`https://[a-z0-9]+\.cloudfront\.net/cert/\d+/large/[^\s"'<>]+`)
	gradeFallback = []string{".grade", ".cert-grade", ".coin-grade", ".pcgs-grade", "[class*='grade']"}
)

// labelFields maps canonical labels (see canonicalLabel) to field names.
var labelFields = map[string]string{
	"pcgs":                   models.FieldPCGSNumber,
	"pcgs no":                models.FieldPCGSNumber,
	"pcgs number":            models.FieldPCGSNumber,
	"pcgs coin number":       models.FieldPCGSNumber,
	"grade":                  models.FieldGrade,
	"date mintmark":          models.FieldDateMintmark,
	"date mint mark":         models.FieldDateMintmark,
	"denomination":           models.FieldDenomination,
	"denom":                  models.FieldDenomination,
	"variety":                models.FieldVariety,
	"region":                 models.FieldRegion,
	"country":                models.FieldRegion,
	"security":               models.FieldSecurity,
	"holder":                 models.FieldHolderType,
	"holder type":            models.FieldHolderType,
	"price guide":            models.FieldPriceGuideValue,
	"price guide value":      models.FieldPriceGuideValue,
	"pcgs price guide value": models.FieldPriceGuideValue,
	"population":             models.FieldPopulation,
	"pop":                    models.FieldPopulation,
	"pop higher":             models.FieldPopHigher,
	"population higher":      models.FieldPopHigher,
	"mintage":                models.FieldMintage,
}

// Parser pulls certificate fields out of a rendered lookup page.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Extract returns the raw text of every known field found on the page, plus
// the coin image URL under models.FieldImageURL. Fields the page doesn't show
// are simply missing. A page with no recognizable field at all is reported as
// KindNotFound.
func (p *Parser) Extract(page models.Page) (models.RawFieldMap, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, Errorf(KindNotFound, "extract", page.CertNumber, "parse page: %w", err)
	}

	raw := make(models.RawFieldMap)
	put := func(label, value string) {
		name, ok := labelFields[canonicalLabel(label)]
		if !ok {
			return
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		// The first occurrence wins; later tables tend to be unrelated listings.
		if _, seen := raw[name]; !seen {
			raw[name] = value
		}
	}

	// 1. Table rows: label cell, value cell
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td, th")
		if cells.Length() < 2 {
			return
		}
		put(nodeText(cells.Get(0)), nodeText(cells.Get(1)))
	})

	// 2. Definition lists
	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.Next()
		if !dd.Is("dd") {
			return
		}
		put(nodeText(dt.Get(0)), nodeText(dd.Get(0)))
	})

	// 3. Grade badge outside the detail table
	if _, ok := raw[models.FieldGrade]; !ok {
		for _, sel := range gradeFallback {
			text := ""
			doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
				t := strings.TrimSpace(nodeText(s.Get(0)))
				if gradeRe.MatchString(t) {
					text = t
					return false
				}
				return true
			})
			if text != "" {
				raw[models.FieldGrade] = text
				break
			}
		}
	}

	if len(raw) == 0 {
		body := nodeText(doc.Get(0))
		if notFoundRe.MatchString(body) {
			return nil, Errorf(KindNotFound, "extract", page.CertNumber, "certificate not found at %s", page.URL)
		}
		return nil, Errorf(KindNotFound, "extract", page.CertNumber, "page layout not recognized at %s", page.URL)
	}

	if img := findImage(doc, page); img != "" {
		raw[models.FieldImageURL] = img
	}
	return raw, nil
}

// findImage picks the coin image for the certificate. When the page shows
// several (obverse, reverse, holder), the first one in document order wins.
func findImage(doc *goquery.Document, page models.Page) string {
	var found string
	imgs := doc.Find("img")

	// 1. Certificate images served from the CDN, upgraded to the large rendition
	imgs.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := imageSource(s)
		if strings.Contains(src, "cloudfront.net/cert/") {
			found = strings.Replace(src, "/small/", "/large/", 1)
			return false
		}
		return true
	})

	// 2. CDN URLs that only appear in scripts or data attributes
	if found == "" {
		found = cloudfrontRe.FindString(page.HTML)
	}

	// 3. Anything that looks like a coin picture
	if found == "" {
		imgs.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			src := imageSource(s)
			alt, _ := s.Attr("alt")
			if src == "" {
				return true
			}
			if strings.Contains(strings.ToLower(src), "coin") ||
				strings.Contains(strings.ToLower(alt), "coin") ||
				(page.CertNumber != "" && strings.Contains(src, page.CertNumber)) {
				found = src
				return false
			}
			return true
		})
	}

	if found == "" {
		return ""
	}
	return resolveURL(page.URL, found)
}

func imageSource(s *goquery.Selection) string {
	if src, ok := s.Attr("src"); ok && src != "" && !strings.HasPrefix(src, "data:") {
		return strings.TrimSpace(src)
	}
	if src, ok := s.Attr("data-src"); ok {
		return strings.TrimSpace(src)
	}
	return ""
}

// canonicalLabel lowercases a label and reduces punctuation to single spaces,
// so "PCGS #:" and "Date, Mintmark" become "pcgs" and "date mintmark".
func canonicalLabel(label string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, label)
	return strings.Join(strings.Fields(mapped), " ")
}

// nodeText returns the visible text below n, ignoring scripts and styles.
func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if len(text) > 0 {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

// resolveURL makes href absolute against base. It returns "" when either
// fails to parse.
func resolveURL(base, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(u).String()
}
