package sanitizer

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"shuttuflix-go/pkg/rules"
)

// Elements that may be removed wholesale when their class or id is ad vocabulary.
const containerSelector = "div, section, aside, ins, span, figure, nav, header, footer, iframe"

// Elements whose resource URL alone decides removal.
var resourceAttrs = []struct{ selector, attr string }{
	{"iframe[src]", "src"},
	{"img[src]", "src"},
	{"embed[src]", "src"},
	{"source[src]", "src"},
	{"object[data]", "data"},
	{"link[href]", "href"},
	{"a[href]", "href"},
}

// Elements whose resource URL is routed through the gateway.
var proxiedAttrs = []struct{ selector, attr string }{
	{"script[src]", "src"},
	{`link[rel~="stylesheet"][href]`, "href"},
	{"iframe[src]", "src"},
	{"img[src]", "src"},
}

func (s *Sanitizer) sanitizeHTML(body []byte, rw *rewriter) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	doc.Find("script").Each(func(_ int, el *goquery.Selection) {
		if src, ok := el.Attr("src"); ok && strings.TrimSpace(src) != "" {
			if s.m.IsBlocked(rw.target(src)) {
				el.Remove()
				return
			}
		}
		if s.m.Classify(el.Text(), rules.Script) {
			el.Remove()
		}
	})

	doc.Find(containerSelector).Each(func(_ int, el *goquery.Selection) {
		if s.isAdContainer(el) {
			el.Remove()
		}
	})

	for _, ra := range resourceAttrs {
		doc.Find(ra.selector).Each(func(_ int, el *goquery.Selection) {
			v, _ := el.Attr(ra.attr)
			if s.m.IsBlocked(rw.target(v)) {
				el.Remove()
			}
		})
	}

	doc.Find("img").Each(func(_ int, el *goquery.Selection) {
		if isPixel(el) {
			el.Remove()
		}
	})

	doc.Find("*").Each(func(_ int, el *goquery.Selection) {
		n := el.Get(0)
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if !s.m.IsEventAttribute(a.Key) {
				kept = append(kept, a)
			}
		}
		n.Attr = kept
	})

	if rw.endpoint != "" {
		for _, pa := range proxiedAttrs {
			doc.Find(pa.selector).Each(func(_ int, el *goquery.Selection) {
				v, _ := el.Attr(pa.attr)
				if wrapped, ok := rw.rewrite(v); ok {
					el.SetAttr(pa.attr, wrapped)
				}
			})
		}
	}

	out, err := doc.Html()
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (s *Sanitizer) isAdContainer(el *goquery.Selection) bool {
	if id, ok := el.Attr("id"); ok && id != "" && s.m.Classify(id, rules.Element) {
		return true
	}
	class, _ := el.Attr("class")
	for _, token := range strings.Fields(class) {
		if s.m.Classify(token, rules.Element) {
			return true
		}
	}
	return false
}

// isPixel reports a 1x1 (or smaller) image.
func isPixel(el *goquery.Selection) bool {
	w, wok := el.Attr("width")
	h, hok := el.Attr("height")
	return wok && hok && tinyDimension(w) && tinyDimension(h)
}

func tinyDimension(v string) bool {
	switch strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "px")) {
	case "0", "1":
		return true
	}
	return false
}
