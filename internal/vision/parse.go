package vision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"shelfscan/internal/models"
)

// Result holds the normalised outcome of an analysis. Books is populated when
// the model's reply could be interpreted as spine data; otherwise Raw carries
// the reply for manual inspection.
type Result struct {
	Books []models.Book
	Raw   string
}

var (
	jsonArrayPattern  = regexp.MustCompile(`(?s)\[.*\]`)
	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseContent interprets a model reply as best it can. Models frequently wrap
// JSON in prose or code fences, so after a direct parse fails the first
// bracketed array and then the first braced object are tried before giving up
// and carrying the text verbatim.
func ParseContent(content string) Result {
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		return normalize(parsed, content)
	}
	if match := jsonArrayPattern.FindString(content); match != "" {
		if err := json.Unmarshal([]byte(match), &parsed); err == nil {
			return normalize(parsed, content)
		}
	}
	if match := jsonObjectPattern.FindString(content); match != "" {
		if err := json.Unmarshal([]byte(match), &parsed); err == nil {
			return normalize(parsed, content)
		}
	}
	return Result{Raw: content}
}

func normalize(parsed any, original string) Result {
	switch value := parsed.(type) {
	case []any:
		return Result{Books: sanitizeBooks(value)}
	case map[string]any:
		if rawBooks, ok := value["books"].([]any); ok {
			return Result{Books: sanitizeBooks(rawBooks)}
		}
		if hasBookKeys(value) {
			return Result{Books: []models.Book{sanitizeBook(value)}}
		}
		if raw, ok := value["raw"].(string); ok {
			return Result{Raw: raw}
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return Result{Raw: original}
		}
		return Result{Raw: string(encoded)}
	default:
		return Result{Raw: fmt.Sprintf("%v", parsed)}
	}
}

func hasBookKeys(value map[string]any) bool {
	for _, key := range []string{"title", "author", "publisher"} {
		if _, ok := value[key]; ok {
			return true
		}
	}
	return false
}

func sanitizeBooks(items []any) []models.Book {
	books := make([]models.Book, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		books = append(books, sanitizeBook(entry))
	}
	return books
}

func sanitizeBook(entry map[string]any) models.Book {
	return models.Book{
		Title:     stringField(entry, "title"),
		Author:    stringField(entry, "author"),
		Publisher: stringField(entry, "publisher"),
	}
}

func stringField(entry map[string]any, key string) string {
	value, ok := entry[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(fmt.Sprintf("%v", value))
}
