package guard

import "regexp"

// A redaction rule replaces one recognized secret shape with a stable
// token. Order matters: specific formats run before the generic ones so
// a key inside a URL is caught by its own rule first.
type redaction struct {
	re    *regexp.Regexp
	token string
}

var redactions = []redaction{
	// Vendor API keys and tokens.
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), "[REDACTED]"},
	{regexp.MustCompile(`gho_[A-Za-z0-9]{36}`), "[REDACTED]"},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`), "[REDACTED]"},
	{regexp.MustCompile(`xox[bpoas]-[A-Za-z0-9-]{10,}`), "[REDACTED]"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)bearer\s+ey[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`ey[A-Za-z0-9_-]{10,}\.ey[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), "[REDACTED]"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)["']?\s*[:=]\s*["']?[^\s"']{8,}`), "$1=[REDACTED]"},

	// Vault references must never leave the process in clear form.
	{regexp.MustCompile(`vault:[A-Za-z0-9_.-]+`), "[VAULT_REF]"},

	// Absolute home paths on any OS.
	{regexp.MustCompile(`/(?:home|Users)/[A-Za-z0-9._-]+`), "/REDACTED_PATH"},
	{regexp.MustCompile(`[A-Za-z]:\\Users\\[A-Za-z0-9._-]+`), "/REDACTED_PATH"},

	// PII.
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\+\d{1,3}[ -]?\(?\d{2,4}\)?[ -]?\d{3,4}[ -]?\d{3,4}`), "[REDACTED]"},
}

// Sanitize redacts recognized secrets, vault references, home paths, and
// PII from text. It is idempotent: replacement tokens match no rule.
// Apply to anything shared with a sub-process, captured, or logged.
func Sanitize(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.token)
	}
	return text
}
