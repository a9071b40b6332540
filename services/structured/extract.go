package structured

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/outfold/dispatch/services"
)

// fenceRe matches a fenced code block with an optional language tag,
// capturing the body. Non-greedy so the first block wins.
var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// ExtractObject pulls a JSON object or array out of free-form model output.
// Strategies are tried in order and the first parse wins:
//
//  1. the body of the first fenced code block,
//  2. the first balanced top-level {...} or [...] span in the raw text,
//  3. the raw text itself.
//
// A bare valid JSON response therefore yields the same object whether or
// not the model wrapped it in a fence.
func ExtractObject(text string) (map[string]interface{}, error) {
	for _, candidate := range candidates(text) {
		var object map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &object); err == nil {
			return object, nil
		}
	}
	return nil, services.NewDispatchError(services.ErrKindNoStructuredOutput,
		"no JSON object found in response", services.ErrNoStructuredOutput)
}

// ExtractValue is ExtractObject generalized to any top-level JSON value,
// including arrays.
func ExtractValue(text string) (interface{}, error) {
	for _, candidate := range candidates(text) {
		var value interface{}
		if err := json.Unmarshal([]byte(candidate), &value); err == nil {
			switch value.(type) {
			case map[string]interface{}, []interface{}:
				return value, nil
			}
		}
	}
	return nil, services.NewDispatchError(services.ErrKindNoStructuredOutput,
		"no JSON value found in response", services.ErrNoStructuredOutput)
}

// candidates returns the extraction attempts in priority order.
func candidates(text string) []string {
	var out []string
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if span := balancedSpan(text); span != "" {
		out = append(out, span)
	}
	out = append(out, strings.TrimSpace(text))
	return out
}

// balancedSpan returns the first top-level balanced {...} or [...] span in
// text, respecting string literals and escapes, or "" when none closes.
func balancedSpan(text string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if c := text[i]; c == '{' || c == '[' {
			start = i
			open = c
			close = '}'
			if c == '[' {
				close = ']'
			}
			break
		}
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
