package bashim

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"quotebot/internal/quote"
)

// ParsePage extracts every quote block from a listing or quote page.
// Relative links are resolved against base. Blocks without an id (ads,
// placeholders) are skipped. A block with an id that cannot be parsed makes
// the result an ErrParse error; the quotes that did parse are still
// returned alongside it.
func ParsePage(body []byte, base *url.URL) ([]quote.Quote, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("read html: %w", joinParse(err))
	}

	var (
		out  []quote.Quote
		errs []string
	)
	doc.Find("article.quote").Each(func(_ int, s *goquery.Selection) {
		q, ok, err := parseArticle(s, base)
		if err != nil {
			errs = append(errs, err.Error())
			return
		}
		if ok {
			out = append(out, q)
		}
	})
	if len(errs) > 0 {
		return out, fmt.Errorf("%s: %w", strings.Join(errs, "; "), quote.ErrParse)
	}
	return out, nil
}

func parseArticle(s *goquery.Selection, base *url.URL) (quote.Quote, bool, error) {
	id, ok := articleID(s)
	if !ok {
		return quote.Quote{}, false, nil
	}

	body := s.Find(".quote__body").First()
	if body.Length() == 0 {
		return quote.Quote{}, false, fmt.Errorf("quote #%d: missing body", id)
	}
	q := quote.Quote{
		ID:   id,
		Text: bodyText(body),
		Date: strings.Join(strings.Fields(s.Find(".quote__header_date").First().Text()), " "),
		URL:  resolveURL(base, "/quote/"+strconv.FormatInt(id, 10)),
	}
	if href, ok := s.Find(".quote__header_permalink").First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		q.URL = resolveURL(base, href)
	}

	seen := map[string]bool{}
	s.Find(".quote__strips img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("data-src")
		if strings.TrimSpace(src) == "" {
			src, _ = img.Attr("src")
		}
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		u := resolveURL(base, src)
		if !seen[u] {
			seen[u] = true
			q.Assets = append(q.Assets, quote.Asset{URL: u})
		}
	})
	return q, true, nil
}

// articleID reads data-quote, falling back to the permalink "/quote/<id>".
func articleID(s *goquery.Selection) (int64, bool) {
	if v, ok := s.Attr("data-quote"); ok {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	href, _ := s.Find(".quote__header_permalink").First().Attr("href")
	href = strings.TrimRight(strings.TrimSpace(href), "/")
	if i := strings.LastIndex(href, "/"); i >= 0 {
		if id, err := strconv.ParseInt(href[i+1:], 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

// bodyText turns <br> into newlines; source line breaks are layout only.
func bodyText(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, n *goquery.Selection) {
		if goquery.NodeName(n) == "br" {
			b.WriteString("\n")
			return
		}
		b.WriteString(strings.ReplaceAll(n.Text(), "\n", " "))
	})
	lines := strings.Split(b.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func resolveURL(base *url.URL, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func joinParse(err error) error {
	return fmt.Errorf("%w: %w", quote.ErrParse, err)
}
