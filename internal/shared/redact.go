package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule hides one kind of relay credential. When keep is set, the
// first capture group (a label such as "Bearer ") survives.
type redactRule struct {
	re   *regexp.Regexp
	keep bool
}

var redactRules = []redactRule{
	// Agent secrets and admin tokens: sk_ or adm_ followed by hex.
	{re: regexp.MustCompile(`\b(?:sk|adm)_[0-9a-f]{32,}`)},
	// Producer and relay signatures.
	{re: regexp.MustCompile(`sha256=[0-9a-f]{64}`)},
	{re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keep: true},
	// Config keys that hold secrets, in yaml or key=value form.
	{re: regexp.MustCompile(`(?i)((?:signing_secret|endpoint_key|admin_token|api[_-]?key|auth[_-]?token|secret)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), keep: true},
	// Credentials embedded in agent callback endpoints.
	{re: regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`), keep: true},
}

// Redact hides relay credentials in a log line, audit reason or error text.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, rule := range redactRules {
		if rule.keep {
			input = rule.re.ReplaceAllString(input, "${1}"+redactedPlaceholder)
			continue
		}
		input = rule.re.ReplaceAllLiteralString(input, redactedPlaceholder)
	}
	return input
}

var sensitiveEnvWords = []string{"secret", "token", "endpoint_key", "api_key", "apikey", "password", "credential"}

// RedactEnvValue hides value when key names a secret. doctor uses it to
// print HOOKRELAY_* overrides.
func RedactEnvValue(key, value string) string {
	k := strings.ToLower(key)
	for _, w := range sensitiveEnvWords {
		if strings.Contains(k, w) {
			return redactedPlaceholder
		}
	}
	return value
}
