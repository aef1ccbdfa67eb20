package security

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// credentialPatterns match secret material that must never reach the
// event log or a provider. Ordered most-specific first so the generic
// assignment pattern does not swallow a recognizable token.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_-]{16,}`),                                  // anthropic / openai keys
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),                                  // slack tokens
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),                                           // github personal tokens
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),                                          // aws access key ids
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/-]{16,}=*`),                       // bearer headers
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[=:]\s*\S{8,}`),       // generic assignments
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), // pem blocks
}

// Redact replaces credential-shaped substrings with a placeholder.
func Redact(s string) string {
	for _, re := range credentialPatterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// ContainsCredential reports whether the text holds secret material.
func ContainsCredential(s string) bool {
	for _, re := range credentialPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
