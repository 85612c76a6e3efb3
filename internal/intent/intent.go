// Package intent builds the classification prompt for intent recognition and
// parses the model's structured decision.
package intent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/flowengine/pkg/schema"
)

// Branch is one candidate intent of a node.
type Branch struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Ranked is a candidate title with the model's confidence.
type Ranked struct {
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
}

// Decision is the structured answer expected from the model. BestIntent is
// authoritative; Ranking is informational and kept in the order received.
type Decision struct {
	Matched    bool     `json:"matched"`
	BestIntent string   `json:"best_intent"`
	Ranking    []Ranked `json:"ranking"`
}

// BuildPrompt renders the system prompt enumerating every candidate.
// instructions, when non-empty, is appended as extra guidance.
func BuildPrompt(branches []Branch, instructions string) string {
	var sb strings.Builder
	sb.WriteString("You classify the user's latest message into one of the intents below.\n\n")
	sb.WriteString("Intents:\n")
	for i, b := range branches {
		fmt.Fprintf(&sb, "%d. %s", i+1, b.Title)
		if b.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(b.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nReply with a JSON object only, no prose:\n")
	sb.WriteString(`{"matched": true|false, "best_intent": "<title or empty>", "ranking": [{"title": "<title>", "confidence": 0.0-1.0}]}`)
	sb.WriteString("\nSet matched to false when no intent fits. Sort ranking by confidence, highest first.")
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instructions)
	}
	return sb.String()
}

// ParseDecision extracts the decision object from a model response. Markdown
// code fences and text around the object are tolerated. Anything else is a
// PARSE_ERROR.
func ParseDecision(raw string) (*Decision, error) {
	body := strings.TrimSpace(raw)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return nil, schema.NewError(schema.ErrCodeParse, "intent decision is not a JSON object").
			WithDetails(map[string]any{"response": truncate(raw, 200)})
	}

	var d Decision
	if err := json.Unmarshal([]byte(body[start:end+1]), &d); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "intent decision: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"response": truncate(raw, 200)})
	}
	d.BestIntent = strings.TrimSpace(d.BestIntent)
	return &d, nil
}

// Find returns the configured branch for title. An exact match wins over a
// case-insensitive one.
func Find(branches []Branch, title string) (Branch, bool) {
	for _, b := range branches {
		if b.Title == title {
			return b, true
		}
	}
	for _, b := range branches {
		if strings.EqualFold(b.Title, title) {
			return b, true
		}
	}
	return Branch{}, false
}

// ValidateBranches rejects empty or duplicate titles and the reserved
// fallback label.
func ValidateBranches(branches []Branch) error {
	if len(branches) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "intent node has no branches")
	}
	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		title := strings.TrimSpace(b.Title)
		switch {
		case title == "":
			return schema.NewError(schema.ErrCodeValidation, "intent branch title is empty")
		case title == schema.BranchElse:
			return schema.NewErrorf(schema.ErrCodeValidation, "intent branch title %q is reserved", title)
		case seen[title]:
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate intent branch %q", title)
		}
		seen[title] = true
	}
	return nil
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
