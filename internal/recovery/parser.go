package recovery

import (
	"regexp"
	"strings"
)

// DefaultPrefixes are the accepted command prefixes.
var DefaultPrefixes = []string{"/", "!"}

// ParsedCommand is a detected command at the start of a message.
type ParsedCommand struct {
	Name   string
	Args   string
	Prefix string
}

// Parser detects commands in message text.
type Parser struct {
	prefixes  []string
	controlRe *regexp.Regexp
}

// NewParser creates a parser for the given prefixes, defaulting to "/"
// and "!".
func NewParser(prefixes ...string) *Parser {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	escaped := make([]string, len(prefixes))
	for i, p := range prefixes {
		escaped[i] = regexp.QuoteMeta(p)
	}
	pattern := strings.Join(escaped, "|")
	return &Parser{
		prefixes:  prefixes,
		controlRe: regexp.MustCompile(`^(?:` + pattern + `)([a-zA-Z][a-zA-Z0-9_-]*)(?:\s+(.*))?$`),
	}
}

// ParseCommand parses a command invocation from text. Returns nil when
// the text is not a command.
func (p *Parser) ParseCommand(text string) *ParsedCommand {
	text = strings.TrimSpace(text)
	if text == "" || !p.isCommandPrefix(text) {
		return nil
	}

	match := p.controlRe.FindStringSubmatch(text)
	if match == nil {
		return nil
	}

	args := ""
	if len(match) > 2 {
		args = strings.TrimSpace(match[2])
	}
	return &ParsedCommand{
		Name:   strings.ToLower(match[1]),
		Args:   args,
		Prefix: text[:1],
	}
}

// IsCommand checks whether text starts with a command.
func (p *Parser) IsCommand(text string) bool {
	return p.ParseCommand(text) != nil
}

// isCommandPrefix checks for a prefix followed by a letter, so paths
// like "/tmp/x" and bare punctuation are not treated as commands.
func (p *Parser) isCommandPrefix(text string) bool {
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(text, prefix) && len(text) > len(prefix) {
			next := text[len(prefix)]
			if (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') {
				return true
			}
		}
	}
	return false
}

// SplitArgs splits argument text into the first word and the rest.
func SplitArgs(text string) (head, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	parts := strings.SplitN(text, " ", 2)
	head = strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return head, rest
}
