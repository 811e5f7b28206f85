package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/designscan/internal/resilience"
)

// Style block origins.
const (
	OriginLink     = "link"
	OriginImport   = "import"
	OriginStyleTag = "style"
	OriginInline   = "inline"
	OriginCoverage = "coverage"
)

// StyleBlock is one piece of style text with its provenance.
type StyleBlock struct {
	Source string `json:"source"`
	Origin string `json:"origin"`
	Media  string `json:"media,omitempty"`
	Text   string `json:"text"`
	Hash   string `json:"hash"`
}

// NewStyleBlock builds a block and computes its content hash.
func NewStyleBlock(source, origin, text string) StyleBlock {
	sum := sha256.Sum256([]byte(text))
	return StyleBlock{Source: source, Origin: origin, Text: text, Hash: hex.EncodeToString(sum[:])}
}

// Page is a fetched and parsed HTML document.
type Page struct {
	URL        string
	StatusCode int
	HTML       []byte
	Doc        *goquery.Document
}

// Collection is the output of a collector run.
type Collection struct {
	Blocks       []StyleBlock `json:"blocks"`
	Stylesheets  int          `json:"stylesheets"`
	StyleTags    int          `json:"style_tags"`
	InlineStyles int          `json:"inline_styles"`
	Failed       []string     `json:"failed,omitempty"`
	Skipped      int          `json:"skipped,omitempty"`
	Bytes        int          `json:"bytes"`
}

// Collector gathers every stylesheet a page references, fetching external
// sheets with bounded concurrency.
type Collector struct {
	fetcher     Fetcher
	concurrency int
	maxSheets   int
}

// NewCollector creates a Collector. concurrency bounds parallel stylesheet
// fetches; maxSheets caps how many external sheets are fetched.
func NewCollector(f Fetcher, concurrency, maxSheets int) *Collector {
	if concurrency <= 0 {
		concurrency = 6
	}
	if maxSheets <= 0 {
		maxSheets = 40
	}
	return &Collector{fetcher: f, concurrency: concurrency, maxSheets: maxSheets}
}

// FetchPage retrieves and parses pageURL, rejecting anti-bot pages.
func (c *Collector) FetchPage(ctx context.Context, pageURL, userAgent string) (*Page, error) {
	resp, err := c.fetcher.Fetch(ctx, pageURL, userAgent)
	if err != nil {
		return nil, err
	}
	if blocked, bt := DetectBlock(resp.StatusCode, resp.Header, resp.Body); blocked {
		return nil, eris.Wrapf(resilience.NewBlockedError(string(bt)), "extract: page %s", pageURL)
	}
	html := toUTF8(resp.Body, resp.ContentType)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = pageURL
	}
	return &Page{URL: finalURL, StatusCode: resp.StatusCode, HTML: html, Doc: doc}, nil
}

// Collect discovers and fetches all style text referenced by page.
func (c *Collector) Collect(ctx context.Context, page *Page, userAgent string) (*Collection, error) {
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: parse base url %s", page.URL)
	}

	col := &Collection{}
	var blocks []StyleBlock

	var links []sheetRef
	page.Doc.Find(`link[rel]`).Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		as := strings.ToLower(s.AttrOr("as", ""))
		if !strings.Contains(rel, "stylesheet") && !(strings.Contains(rel, "preload") && as == "style") {
			return
		}
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		if abs := resolve(base, href); abs != "" {
			links = append(links, sheetRef{url: abs, media: s.AttrOr("media", ""), origin: OriginLink})
		}
	})

	page.Doc.Find("style").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		col.StyleTags++
		b := NewStyleBlock(page.URL+"#style-"+strconv.Itoa(i), OriginStyleTag, text)
		b.Media = s.AttrOr("media", "")
		blocks = append(blocks, b)
		for _, imp := range importURLs(text) {
			if abs := resolve(base, imp); abs != "" {
				links = append(links, sheetRef{url: abs, origin: OriginImport})
			}
		}
	})

	var inline strings.Builder
	page.Doc.Find("[style]").Each(func(i int, s *goquery.Selection) {
		decl := strings.TrimSpace(s.AttrOr("style", ""))
		if decl == "" {
			return
		}
		col.InlineStyles++
		tag := goquery.NodeName(s)
		inline.WriteString(tag + "[data-inline=\"" + strconv.Itoa(i) + "\"] { " + decl + " }\n")
	})
	if inline.Len() > 0 {
		blocks = append(blocks, NewStyleBlock(page.URL+"#inline", OriginInline, inline.String()))
	}

	links = uniqueRefs(links)
	if len(links) > c.maxSheets {
		col.Skipped = len(links) - c.maxSheets
		links = links[:c.maxSheets]
	}

	fetched, failed, err := c.fetchSheets(ctx, links, userAgent)
	if err != nil {
		return nil, err
	}
	col.Failed = failed

	// One level of @import inside fetched sheets.
	var imports []sheetRef
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		seen[l.url] = true
	}
	for _, b := range fetched {
		sheetBase, err := url.Parse(b.Source)
		if err != nil {
			continue
		}
		for _, imp := range importURLs(b.Text) {
			abs := resolve(sheetBase, imp)
			if abs != "" && !seen[abs] && len(links)+len(imports) < c.maxSheets {
				seen[abs] = true
				imports = append(imports, sheetRef{url: abs, origin: OriginImport})
			}
		}
	}
	if len(imports) > 0 {
		more, moreFailed, err := c.fetchSheets(ctx, imports, userAgent)
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, more...)
		col.Failed = append(col.Failed, moreFailed...)
	}
	col.Stylesheets = len(fetched)

	blocks = append(fetched, blocks...)
	col.Blocks = DedupeBlocks(blocks)
	for _, b := range col.Blocks {
		col.Bytes += len(b.Text)
	}
	return col, nil
}

type sheetRef struct {
	url    string
	media  string
	origin string
}

// fetchSheets fetches refs concurrently. A failed sheet is recorded and
// skipped; only cancellation of ctx fails the whole fetch.
func (c *Collector) fetchSheets(ctx context.Context, refs []sheetRef, userAgent string) ([]StyleBlock, []string, error) {
	if len(refs) == 0 {
		return nil, nil, nil
	}
	results := make([]*StyleBlock, len(refs))
	var (
		mu     sync.Mutex
		failed []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			resp, err := c.fetcher.Fetch(gctx, ref.url, userAgent)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				zap.L().Debug("extract: stylesheet fetch failed", zap.String("url", ref.url), zap.Error(err))
				mu.Lock()
				failed = append(failed, ref.url)
				mu.Unlock()
				return nil
			}
			text := strings.TrimSpace(string(toUTF8(resp.Body, resp.ContentType)))
			if text == "" {
				return nil
			}
			b := NewStyleBlock(ref.url, ref.origin, text)
			b.Media = ref.media
			results[i] = &b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "extract: fetch stylesheets")
	}

	out := make([]StyleBlock, 0, len(refs))
	for _, b := range results {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out, failed, nil
}

// DedupeBlocks removes blocks whose content hash was already seen, keeping
// the first occurrence.
func DedupeBlocks(blocks []StyleBlock) []StyleBlock {
	seen := make(map[string]bool, len(blocks))
	out := make([]StyleBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Hash == "" {
			b = NewStyleBlock(b.Source, b.Origin, b.Text)
		}
		if seen[b.Hash] {
			continue
		}
		seen[b.Hash] = true
		out = append(out, b)
	}
	return out
}

var importRe = regexp.MustCompile(`@import\s+(?:url\()?\s*['"]?([^'")\s;]+)['"]?\s*\)?`)

func importURLs(css string) []string {
	var out []string
	for _, m := range importRe.FindAllStringSubmatch(css, -1) {
		out = append(out, m[1])
	}
	return out
}

func resolve(base *url.URL, href string) string {
	if strings.HasPrefix(href, "data:") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func uniqueRefs(refs []sheetRef) []sheetRef {
	seen := make(map[string]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if seen[r.url] {
			continue
		}
		seen[r.url] = true
		out = append(out, r)
	}
	return out
}

// toUTF8 decodes body using the declared or sniffed charset.
func toUTF8(body []byte, contentType string) []byte {
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		if utf8.Valid(body) {
			return body
		}
		return bytes.ToValidUTF8(body, []byte("�"))
	}
	return decoded
}
