package provider

import (
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"github.com/sweetpotato0/ai-relay/errors"
)

const maxErrorBody = 64 << 10

var reSpaces = regexp.MustCompile(`\s+`)

// ErrorFromResponse turns a non-2xx response into an error kind. The body is consumed.
func ErrorFromResponse(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := ErrorMessage(resp.Header.Get("Content-Type"), body)
	return errors.FromStatus(provider, resp.StatusCode, msg, nil)
}

// ErrorMessage extracts a human readable message from an error body: the usual JSON error
// envelopes, the visible text of an HTML page, or the trimmed body.
func ErrorMessage(contentType string, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if gjson.Valid(trimmed) {
		for _, path := range []string{"error.message", "message", "error", "detail", "error.0.message"} {
			if v := gjson.Get(trimmed, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
		return trimmed
	}

	if strings.Contains(contentType, "html") || strings.HasPrefix(strings.ToLower(trimmed), "<!doctype html") ||
		strings.HasPrefix(strings.ToLower(trimmed), "<html") {
		if text := HTMLToText(trimmed); text != "" {
			return text
		}
	}
	return trimmed
}

// HTMLToText returns the title and visible body text of an HTML document on one line.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script,style,noscript").Remove()

	var parts []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	doc.Find("h1,h2,h3,p,pre").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(reSpaces.ReplaceAllString(s.Text(), " "))
		if text != "" && (len(parts) == 0 || parts[len(parts)-1] != text) {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		parts = append(parts, strings.TrimSpace(reSpaces.ReplaceAllString(doc.Find("body").Text(), " ")))
	}
	return strings.Join(parts, ": ")
}
