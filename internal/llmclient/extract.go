// internal/llmclient/extract.go
package llmclient

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// Models fence answers or pad JSON with prose no matter how firmly the prompt
// forbids it, so trailing commas before a closing brace get repaired too.
var trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)

// ExtractJSON pulls the first JSON object out of a model response and
// unmarshals it into v. Handles fenced blocks, surrounding prose, and
// trailing commas before giving up.
func ExtractJSON(response string, v any) error {
	candidate := isolateJSON(response)
	if candidate == "" {
		return fmt.Errorf("no JSON object in model response")
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired := trailingCommaRegex.ReplaceAllString(candidate, "$1")
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("unmarshaling model response: %w", err)
	}
	return nil
}

// isolateJSON strips markdown fences, falling back to the outermost brace
// pair, then to the raw trimmed text.
func isolateJSON(response string) string {
	response = strings.TrimSpace(response)

	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		response = strings.TrimSpace(matches[1])
	}

	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first != -1 && last > first {
		return response[first : last+1]
	}
	return response
}
