package llm

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLToText drops script and style elements and collapses whitespace.
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Join(strings.Fields(html), " ")
	}
	doc.Find("script, style, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// messageText prefers the parsed plain-text body, else the stripped HTML body.
func messageText(html, text string) string {
	if t := HTMLToText(html); t != "" {
		return t
	}
	return strings.Join(strings.Fields(text), " ")
}

func truncateBody(body string, maxLen int) string {
	r := []rune(body)
	if len(r) <= maxLen {
		return body
	}
	return string(r[:maxLen]) + "..."
}
