package guard

import (
	"bufio"
	"regexp"
	"strings"
)

// Verdict is the outcome of scanning untrusted sub-process output.
type Verdict string

const (
	VerdictClean       Verdict = "clean"
	VerdictNeedsReview Verdict = "needs_review"
	VerdictBlocked     Verdict = "blocked"
)

// DiffFinding is one suspicious construct found in a diff.
type DiffFinding struct {
	Category string `json:"category"`
	Line     string `json:"line"`
}

// DiffReport is the result of ScanDiff.
type DiffReport struct {
	Verdict  Verdict       `json:"verdict"`
	Findings []DiffFinding `json:"findings,omitempty"`
}

// addedLinePatterns flag dangerous constructs on added lines only;
// removed or context lines are the caller's existing code.
var addedLinePatterns = []struct {
	category string
	re       *regexp.Regexp
}{
	{"credential_access", regexp.MustCompile(`(?i)(\.env\b|credentials?|secrets?|\.ssh/|id_rsa|keychain|\.aws/|\.netrc)`)},
	{"network_call", regexp.MustCompile(`(?i)(curl\s|wget\s|fetch\(|http\.get|requests\.(get|post)|urllib|net/http|XMLHttpRequest)`)},
	{"file_traversal", regexp.MustCompile(`\.\./\.\.|(?i)path\s*traversal|%2e%2e`)},
	{"system_command", regexp.MustCompile(`(?i)(os\.system|subprocess|exec\.Command|child_process|eval\(|popen\()`)},
}

var newDependencyRe = regexp.MustCompile(`^\+\+\+ .*(go\.mod|package\.json|requirements\.txt|Cargo\.toml|Gemfile|pom\.xml)`)

// ScanDiff parses unified-diff text and scans added lines for credential
// access, network calls, traversal, and command execution, plus the full
// diff for new-dependency file headers. The verdict escalates with the
// finding count and turns blocked when the added lines also carry
// injection patterns.
func ScanDiff(diff string) DiffReport {
	var report DiffReport
	var added strings.Builder

	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if newDependencyRe.MatchString(line) {
			report.Findings = append(report.Findings, DiffFinding{Category: "new_dependency", Line: line})
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		body := line[1:]
		added.WriteString(body)
		added.WriteByte('\n')
		for _, p := range addedLinePatterns {
			if p.re.MatchString(body) {
				report.Findings = append(report.Findings, DiffFinding{Category: p.category, Line: strings.TrimSpace(body)})
			}
		}
	}

	injected := ScanInjection(added.String())
	switch {
	case len(injected) > 0:
		report.Verdict = VerdictBlocked
	case len(report.Findings) >= 3:
		report.Verdict = VerdictBlocked
	case len(report.Findings) > 0:
		report.Verdict = VerdictNeedsReview
	default:
		report.Verdict = VerdictClean
	}
	return report
}
