// Package profile holds the static per-vendor equipment descriptors:
// the command sequences that bracket a configuration session and the
// dangerous-command rules used by advisory validation.
package profile

import (
	"regexp"
	"strings"

	"github.com/nce-project/nce/pkg/lg"
)

// Supported equipment type identifiers.
const (
	CiscoIOS     = "cisco_ios"
	JuniperJunos = "juniper_junos"
	Huawei       = "huawei"
	Mikrotik     = "mikrotik"
)

// DefaultType is the profile used for unrecognized equipment identifiers.
const DefaultType = CiscoIOS

// PatternRule pairs a dangerous-command pattern with a human-readable
// description used in validation warnings.
type PatternRule struct {
	Pattern     *regexp.Regexp
	Description string
}

// Profile describes one device family. EntryCommands are issued once, in
// order, to reach the configuration context; ExitCommands are issued once,
// in order, to commit and leave it. PromptExpr optionally overrides the
// session driver's default prompt heuristic with a regular expression.
//
// Profiles are built once at startup and must not be mutated afterwards.
type Profile struct {
	Type           string
	EntryCommands  []string
	ExitCommands   []string
	DangerousRules []PatternRule
	PromptExpr     string
}

// Registry maps equipment type identifiers to profiles. It is immutable
// after construction and safe for unsynchronized concurrent reads.
type Registry struct {
	logger   lg.Logger
	profiles map[string]*Profile
}

// NewRegistry builds the compiled-in registry.
func NewRegistry(logger lg.Logger) *Registry {
	if logger == nil {
		logger = lg.Discard
	}
	r := &Registry{
		logger:   logger,
		profiles: make(map[string]*Profile, len(builtins)),
	}
	for _, p := range builtins {
		r.profiles[p.Type] = p
	}
	return r
}

// Resolve returns the profile for the given equipment type identifier.
// It never fails: an unrecognized identifier is logged once and mapped to
// the default profile.
func (r *Registry) Resolve(equipmentType string) *Profile {
	p, ok := r.profiles[strings.ToLower(equipmentType)]
	if !ok {
		r.logger.Warn("unknown equipment type, falling back to default",
			lg.String("equipmentType", equipmentType),
			lg.String("default", DefaultType))
		return r.profiles[DefaultType]
	}
	return p
}

// Types returns the known equipment type identifiers.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.profiles))
	for t := range r.profiles {
		out = append(out, t)
	}
	return out
}

var builtins = []*Profile{
	{
		Type:          CiscoIOS,
		EntryCommands: []string{"enable", "configure terminal"},
		ExitCommands:  []string{"end", "exit"},
		DangerousRules: []PatternRule{
			{regexp.MustCompile(`\berase\b`), "configuration erase (erase)"},
			{regexp.MustCompile(`\bdelete\b`), "file deletion (delete)"},
			{regexp.MustCompile(`\breload\b`), "device reload (reload)"},
			{regexp.MustCompile(`\bformat\b`), "filesystem format (format)"},
			{regexp.MustCompile(`\bwrite memory\b`), "configuration save (write memory)"},
			{regexp.MustCompile(`\bwrite\b`), "configuration save (write)"},
			{regexp.MustCompile(`\bno shutdown\b`), "interface enable (no shutdown)"},
			{regexp.MustCompile(`\bshutdown\b`), "interface shutdown (shutdown)"},
		},
	},
	{
		Type:          JuniperJunos,
		EntryCommands: []string{"configure"},
		ExitCommands:  []string{"commit", "exit"},
		DangerousRules: []PatternRule{
			{regexp.MustCompile(`\bcommit\b`), "candidate configuration commit (commit)"},
			{regexp.MustCompile(`\brequest system reboot\b`), "system reboot (request system reboot)"},
			{regexp.MustCompile(`\brequest system halt\b`), "system halt (request system halt)"},
		},
	},
	{
		Type:          Huawei,
		EntryCommands: []string{"system-view"},
		ExitCommands:  []string{"commit", "quit"},
		DangerousRules: []PatternRule{
			{regexp.MustCompile(`\bsave\b`), "configuration save (save)"},
			{regexp.MustCompile(`\breset\b`), "settings reset (reset)"},
			{regexp.MustCompile(`\breboot\b`), "device reboot (reboot)"},
			{regexp.MustCompile(`\bshutdown\b`), "interface shutdown (shutdown)"},
		},
	},
	{
		// RouterOS drops straight into an exec context, so there is no
		// entry or exit sequence.
		Type:          Mikrotik,
		EntryCommands: nil,
		ExitCommands:  nil,
		DangerousRules: []PatternRule{
			{regexp.MustCompile(`/system reboot`), "device reboot (/system reboot)"},
			{regexp.MustCompile(`/system shutdown`), "device shutdown (/system shutdown)"},
			{regexp.MustCompile(`/interface disable`), "interface disable (/interface disable)"},
		},
	},
}
