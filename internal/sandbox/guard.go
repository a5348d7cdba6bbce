package sandbox

import (
	"strings"
	"unicode"

	"github.com/edgecoder/mesh/internal/core"
)

// Callables python bodies may never invoke.
var bannedCalls = []string{"open", "eval", "exec", "compile", "__import__"}

// GuardViolation describes why a python body was rejected.
type GuardViolation struct {
	Line   int
	Reason string
}

// CheckPython validates a python body before execution: no import or
// from-import statements and no calls to the banned builtins. The scan
// strips comments and string literals first so quoted text cannot trip
// it, and keyword matches are token-boundary exact so identifiers like
// "important" pass.
func CheckPython(code string) *GuardViolation {
	stripped := stripPython(code)

	for i, line := range strings.Split(stripped, "\n") {
		trimmed := strings.TrimSpace(line)
		if hasKeyword(trimmed, "import") && (strings.HasPrefix(trimmed, "import") || strings.HasPrefix(trimmed, "from")) {
			return &GuardViolation{Line: i + 1, Reason: "import statements are not permitted"}
		}
		for _, name := range bannedCalls {
			if hasCall(line, name) {
				return &GuardViolation{Line: i + 1, Reason: "call to " + name + " is not permitted"}
			}
		}
	}
	return nil
}

// RejectResult builds the RunResult returned for a guard violation.
// The body is never executed; the task is queued for cloud resolution.
func RejectResult(v *GuardViolation) core.RunResult {
	return core.RunResult{
		Language:      core.LangPython,
		OK:            false,
		Stderr:        "rejected by source guard: " + v.Reason,
		ExitCode:      1,
		QueueForCloud: true,
		QueueReason:   core.QueueOutsideSubset,
	}
}

// stripPython blanks out string literals and comments, preserving line
// structure so violation line numbers stay accurate.
func stripPython(code string) string {
	var out strings.Builder
	out.Grow(len(code))

	i := 0
	for i < len(code) {
		c := code[i]

		// Triple-quoted strings first so their quotes don't read as two
		// short strings.
		if c == '"' || c == '\'' {
			quote := c
			if i+2 < len(code) && code[i+1] == quote && code[i+2] == quote {
				i += 3
				for i < len(code) {
					if code[i] == quote && i+2 < len(code) && code[i+1] == quote && code[i+2] == quote {
						i += 3
						break
					}
					if code[i] == '\n' {
						out.WriteByte('\n')
					}
					i++
				}
				continue
			}
			// Single-quoted string: runs to the matching quote or end of line.
			i++
			for i < len(code) && code[i] != quote && code[i] != '\n' {
				if code[i] == '\\' {
					i++
				}
				i++
			}
			if i < len(code) && code[i] == quote {
				i++
			}
			continue
		}

		if c == '#' {
			for i < len(code) && code[i] != '\n' {
				i++
			}
			continue
		}

		out.WriteByte(c)
		i++
	}
	return out.String()
}

// hasKeyword reports a token-boundary occurrence of word in line.
func hasKeyword(line, word string) bool {
	idx := 0
	for {
		j := strings.Index(line[idx:], word)
		if j < 0 {
			return false
		}
		j += idx
		before := j == 0 || !isIdentByte(line[j-1])
		afterIdx := j + len(word)
		after := afterIdx >= len(line) || !isIdentByte(line[afterIdx])
		if before && after {
			return true
		}
		idx = j + len(word)
	}
}

// hasCall reports a token-boundary occurrence of name immediately
// followed by an opening parenthesis (whitespace allowed between).
func hasCall(line, name string) bool {
	idx := 0
	for {
		j := strings.Index(line[idx:], name)
		if j < 0 {
			return false
		}
		j += idx
		before := j == 0 || !isIdentByte(line[j-1])
		k := j + len(name)
		for k < len(line) && unicode.IsSpace(rune(line[k])) {
			k++
		}
		if before && k < len(line) && line[k] == '(' {
			// Attribute access like f.open( is a method on another
			// object, not the builtin.
			if j > 0 && line[j-1] == '.' {
				idx = j + len(name)
				continue
			}
			return true
		}
		idx = j + len(name)
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
