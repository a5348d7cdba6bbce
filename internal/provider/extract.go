package provider

import "strings"

// fence languages accepted for each requested language. A bare fence
// (no language tag) is accepted for any language.
var fenceAliases = map[string][]string{
	"python":     {"python", "py", "python3"},
	"javascript": {"javascript", "js", "node"},
}

// ExtractCode normalises model output: the first fenced code block of a
// permitted language wins; when no fence is present the whole trimmed
// text is used.
func ExtractCode(text, language string) string {
	aliases := fenceAliases[language]

	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]

		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		tag := strings.ToLower(strings.TrimSpace(rest[:nl]))
		body := rest[nl+1:]

		end := strings.Index(body, "```")
		if end < 0 {
			// Unterminated fence: take everything after the opening.
			if fenceTagPermitted(tag, aliases) {
				return strings.TrimRight(body, "\n\t ")
			}
			break
		}

		if fenceTagPermitted(tag, aliases) {
			return strings.TrimRight(body[:end], "\n\t ")
		}
		rest = body[end+3:]
	}

	return strings.TrimSpace(text)
}

func fenceTagPermitted(tag string, aliases []string) bool {
	if tag == "" {
		return true
	}
	for _, a := range aliases {
		if tag == a {
			return true
		}
	}
	return false
}
