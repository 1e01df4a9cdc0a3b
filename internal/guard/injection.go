package guard

import (
	"regexp"
	"strings"
)

// WarningKey is the metadata key carrying injection scan findings on a
// tool result. The leading underscore keeps it out of taint wrapping.
const WarningKey = "_injection_warning"

// injectionPattern pairs a stable name with its case-insensitive regex.
// Names are reported to the model and logged, so they never change once
// shipped.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	{"instruction_override", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|context)`)},
	{"instruction_override", regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions|rules|guidelines)`)},
	{"new_system_prompt", regexp.MustCompile(`(?i)new\s+(system\s+)?(prompt|instructions)\s*[:=]`)},
	{"role_switch", regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s+`)},
	{"role_switch", regexp.MustCompile(`(?i)(pretend|act\s+as\s+if)\s+you\s+(are|were)`)},
	{"system_override", regexp.MustCompile(`(?i)\[?(system|admin|root)\s*(override|message|command)\]?`)},
	{"secrecy_directive", regexp.MustCompile(`(?i)do\s+not\s+(tell|inform|mention|reveal)\s+(this\s+to\s+)?(the\s+)?(user|owner|anyone)`)},
	{"delimiter_attack", regexp.MustCompile(`(?i)(</?(system|assistant|user|instructions?)>|\[/?INST\]|<\|im_(start|end)\|>)`)},
	{"base64_block", regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`)},
	{"exfiltration_request", regexp.MustCompile(`(?i)(send|email|post|upload|forward)\s+.{0,60}(secret|token|password|credential|api[_\s-]?key|vault)`)},
	{"memory_persistence", regexp.MustCompile(`(?i)(remember|store|save)\s+(this|the\s+following)\s+.{0,40}(instruction|rule|directive|for\s+later)`)},
}

// ScanInjection returns the names of injection patterns matched in the
// text, de-duplicated in table order. Empty means clean.
func ScanInjection(text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	seen := make(map[string]bool)
	for _, p := range injectionPatterns {
		if seen[p.name] {
			continue
		}
		if p.re.MatchString(text) {
			found = append(found, p.name)
			seen[p.name] = true
		}
	}
	return found
}

// AnnotateResult scans every string inside data and, when patterns
// match, attaches the finding names under WarningKey. Detection is
// advisory: the payload is never dropped or modified.
func AnnotateResult(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	var sb strings.Builder
	collectStrings(data, &sb, 0)
	if findings := ScanInjection(sb.String()); len(findings) > 0 {
		data[WarningKey] = findings
	}
	return data
}

func collectStrings(v any, sb *strings.Builder, depth int) {
	if depth > taintMaxDepth {
		return
	}
	switch val := v.(type) {
	case string:
		sb.WriteString(val)
		sb.WriteByte('\n')
	case map[string]any:
		for k, item := range val {
			if strings.HasPrefix(k, "_") {
				continue
			}
			collectStrings(item, sb, depth+1)
		}
	case []any:
		for _, item := range val {
			collectStrings(item, sb, depth+1)
		}
	}
}
