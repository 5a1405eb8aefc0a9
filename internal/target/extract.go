package target

import (
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
)

// textFieldCandidates are the JSON fields chat backends commonly put
// their reply text in, tried in order.
var textFieldCandidates = []string{
	"response", "message", "text", "output", "content", "reply", "answer",
}

// ExtractText reduces a raw target response body to plain reply text.
// JSON bodies are sniffed for the usual reply fields (including the
// OpenAI choices path), HTML bodies are reduced to visible text, and
// anything else is returned as-is.
func ExtractText(body []byte, contentType string) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if strings.Contains(contentType, "text/html") || looksLikeHTML(trimmed) {
		if text := htmlText(trimmed); text != "" {
			return text
		}
	}

	if trimmed[0] == '{' || trimmed[0] == '[' || trimmed[0] == '"' {
		if text, ok := jsonText(trimmed); ok {
			return text
		}
	}

	return trimmed
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}

// jsonText extracts reply text from a JSON body.
func jsonText(s string) (string, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return "", false
	}

	switch val := v.(type) {
	case string:
		return val, true
	case map[string]any:
		// OpenAI-style: choices[0].message.content or choices[0].text
		if choices, ok := val["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				if msg, ok := choice["message"].(map[string]any); ok {
					if content, ok := msg["content"].(string); ok && content != "" {
						return content, true
					}
				}
				if text, ok := choice["text"].(string); ok && text != "" {
					return text, true
				}
			}
		}
		for _, field := range textFieldCandidates {
			if text, ok := stringAt(val, field); ok {
				return text, true
			}
		}
	}
	return "", false
}

// stringAt reads a field that may hold the text directly or nest it
// one level deeper (e.g. {"message": {"content": "..."}}).
func stringAt(obj map[string]any, field string) (string, bool) {
	raw, ok := obj[field]
	if !ok {
		return "", false
	}
	switch val := raw.(type) {
	case string:
		if val != "" {
			return val, true
		}
	case map[string]any:
		for _, inner := range textFieldCandidates {
			if s, ok := val[inner].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// htmlText reduces an HTML document to its visible text, skipping
// script and style subtrees.
func htmlText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return sb.String()
}
