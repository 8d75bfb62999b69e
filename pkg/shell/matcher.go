package shell

import (
	"regexp"
	"strings"
)

// PromptMatcher decides when accumulated session output contains a command
// prompt, i.e. the device is ready for the next command. There is no message
// framing on an interactive channel, so this is inherently heuristic.
type PromptMatcher interface {
	Match(output string) bool
}

// TerminatorMatcher matches when any terminator character appears anywhere
// in the output. This is the baseline heuristic: it favors responsiveness
// over completeness and can truncate output that legitimately contains a
// terminator character before the real prompt.
type TerminatorMatcher struct {
	Terminators string
}

func (m TerminatorMatcher) Match(output string) bool {
	return strings.ContainsAny(output, m.Terminators)
}

// DefaultMatcher covers the common prompt endings of the supported device
// families: Cisco "Router>"/"Router#", Unix "$", and password/login ":".
var DefaultMatcher PromptMatcher = TerminatorMatcher{Terminators: "#>$:"}

// RegexpMatcher matches output against a prompt regular expression. It is
// the stricter alternative for profiles whose prompts are well known.
type RegexpMatcher struct {
	re *regexp.Regexp
}

func NewRegexpMatcher(expr string) (RegexpMatcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return RegexpMatcher{}, err
	}
	return RegexpMatcher{re: re}, nil
}

func (m RegexpMatcher) Match(output string) bool {
	return m.re.MatchString(output)
}
