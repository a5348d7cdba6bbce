package escalation

import (
	"regexp"

	"github.com/edgecoder/mesh/internal/core"
)

// Secret-shaped patterns redacted from every string field of an
// escalation request before any outbound call.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)password\s*=\s*\S+`),
	regexp.MustCompile(`(?i)api[_-]?key\s*=\s*\S+`),
}

const redacted = "[REDACTED]"

// SanitizeString redacts secret-shaped substrings.
func SanitizeString(s string) string {
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllString(s, redacted)
	}
	return s
}

// Sanitize returns a copy of the request with every string field
// scrubbed.
func Sanitize(req core.EscalationRequest) core.EscalationRequest {
	req.Prompt = SanitizeString(req.Prompt)
	req.Code = SanitizeString(req.Code)
	req.ErrorOutput = SanitizeString(req.ErrorOutput)
	return req
}
