// Package safety screens proposed command batches against the active
// equipment profile's dangerous-command rules. Validation is advisory:
// a verdict warns the caller but never blocks execution.
package safety

import (
	"fmt"
	"strings"

	"github.com/nce-project/nce/pkg/profile"
)

// readOnlyMarkers suppress a dangerous-pattern match. A command that merely
// inspects state ("show running-config") should not warn even when it
// contains a dangerous keyword. Heuristic false-positive reduction.
var readOnlyMarkers = []string{"show", "display", "get", "view", "print"}

// Verdict is the result of validating one command batch.
type Verdict struct {
	IsSafe         bool     `json:"isSafe"`
	Warnings       []string `json:"warnings"`
	DangerousCount int      `json:"dangerousCount"`
}

// Validate tests each command against each dangerous pattern of the profile,
// case-insensitively. Warnings are ordered by command, then by pattern order
// within a command. Pure function: no I/O, no mutation of its inputs.
func Validate(commands []string, p *profile.Profile) Verdict {
	var warnings []string
	for _, cmd := range commands {
		lowered := strings.ToLower(cmd)
		for _, rule := range p.DangerousRules {
			if !rule.Pattern.MatchString(lowered) {
				continue
			}
			if isReadOnly(lowered) {
				continue
			}
			warnings = append(warnings, fmt.Sprintf("WARNING: %s: %s", rule.Description, cmd))
		}
	}
	return Verdict{
		IsSafe:         len(warnings) == 0,
		Warnings:       warnings,
		DangerousCount: len(warnings),
	}
}

func isReadOnly(loweredCmd string) bool {
	for _, marker := range readOnlyMarkers {
		if strings.Contains(loweredCmd, marker) {
			return true
		}
	}
	return false
}
