package ingest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// PageText is one page (or page-less block) of extracted document text.
type PageText struct {
	Page int
	Text string
}

// Extract turns raw document bytes into plain text, split by page where the
// format has pages. Supported content types: application/pdf, text/html and
// anything else is treated as plain text.
func Extract(contentType string, data []byte) ([]PageText, error) {
	switch {
	case strings.HasPrefix(contentType, "application/pdf"):
		return extractPDF(data)
	case strings.HasPrefix(contentType, "text/html"):
		text, err := extractHTML(data)
		if err != nil {
			return nil, err
		}
		return []PageText{{Page: 0, Text: text}}, nil
	default:
		return []PageText{{Page: 0, Text: string(data)}}, nil
	}
}

func extractPDF(data []byte) ([]PageText, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var pages []PageText
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting pdf page %d: %w", i, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, PageText{Page: i, Text: text})
	}
	return pages, nil
}

// extractHTML collects visible text, skipping script and style subtrees.
func extractHTML(data []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sb.String(), nil
}
