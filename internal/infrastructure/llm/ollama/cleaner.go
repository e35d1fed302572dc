package ollama

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var ansiEscape = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// Longer sequences first: the replacer tries patterns in argument order.
var mojibake = strings.NewReplacer(
	"Âµ", "μ",
	"â€“", "–",
	"â€”", "—",
	"â€˜", "‘",
	"â€™", "’",
	"â€œ", "“",
	"â€�", "”",
	"â€¢", "•",
	"â€¦", "…",
	"â„¢", "™",
	"âˆ’", "−",
	"â€", `"`,
	"â", "",
)

var escapedWhitespace = strings.NewReplacer(
	`\n`, "\n",
	`\t`, "\t",
	`\r`, "",
)

// CleanText strips terminal escapes and common UTF-8 mojibake from one model
// string and turns literal escape sequences into real whitespace.
func CleanText(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	s = mojibake.Replace(s)
	s = escapedWhitespace.Replace(s)
	return strings.TrimSpace(s)
}

// CleanResponse cleans every string value of a JSON response. Text that is
// not a JSON object only has escape sequences removed, so the caller still
// sees the original shape when it fails to parse.
func CleanResponse(raw string) string {
	trimmed := strings.TrimSpace(ansiEscape.ReplaceAllString(raw, ""))
	if trimmed == "" {
		return ""
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return trimmed
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cleanValue(payload)); err != nil {
		return trimmed
	}
	return strings.TrimSpace(buf.String())
}

func cleanValue(v any) any {
	switch typed := v.(type) {
	case string:
		return CleanText(typed)
	case map[string]any:
		for k, item := range typed {
			typed[k] = cleanValue(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = cleanValue(item)
		}
		return typed
	default:
		return v
	}
}
