package fetch

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is the extracted content of one fetched page.
type Document struct {
	URL         string
	StatusCode  int
	Title       string
	Description string
	Headings    []string
	Text        string   // visible text, whitespace-collapsed
	Markdown    string   // sanitized markdown rendering of the body
	Links       []string // absolute same-host links
	FetchedAt   time.Time
}

// WordCount returns the number of whitespace-separated tokens in the
// visible text. The crawl stage uses this as its signal threshold.
func (d *Document) WordCount() int {
	return len(strings.Fields(d.Text))
}

var sanitizer = bluemonday.UGCPolicy()

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// Extract parses raw HTML into a Document. base resolves relative links;
// it may be nil, in which case links are dropped.
func Extract(raw []byte, base *url.URL) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	var text strings.Builder
	seen := map[string]bool{}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if doc.Title == "" && n.FirstChild != nil {
					doc.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			case atom.Meta:
				if doc.Description == "" && metaName(n) == "description" {
					doc.Description = strings.TrimSpace(attr(n, "content"))
				}
			case atom.H1, atom.H2, atom.H3:
				if t := collectText(n); t != "" {
					doc.Headings = append(doc.Headings, t)
				}
			case atom.A:
				if link := resolveLink(attr(n, "href"), base); link != "" && !seen[link] {
					seen[link] = true
					doc.Links = append(doc.Links, link)
				}
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	doc.Text = text.String()

	// Sanitize before markdown conversion so the snapshot never carries
	// active content. A conversion failure degrades to plain text.
	clean := sanitizer.SanitizeBytes(raw)
	md, err := mdConverter.ConvertString(string(clean))
	if err != nil || strings.TrimSpace(md) == "" {
		doc.Markdown = doc.Text
	} else {
		doc.Markdown = strings.TrimSpace(md)
	}
	return doc, nil
}

// collectText returns the whitespace-normalized text of n's subtree,
// skipping script and style content.
func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style:
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func metaName(n *html.Node) string {
	name := attr(n, "name")
	if name == "" {
		name = attr(n, "property")
	}
	return strings.ToLower(name)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// resolveLink returns the absolute form of href when it stays on the
// base host. External, fragment-only, and non-HTTP links are dropped.
func resolveLink(href string, base *url.URL) string {
	if href == "" || strings.HasPrefix(href, "#") || base == nil {
		return ""
	}
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if !strings.EqualFold(u.Hostname(), base.Hostname()) {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
