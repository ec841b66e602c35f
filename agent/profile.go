package agent

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/GoCodeAlone/taskloop/capability/files"
)

// DelegateName is the registered name of the delegation capability.
const DelegateName = "delegate"

// Profile is a specialized configuration for delegated sub-tasks.
type Profile struct {
	Name         string
	Description  string
	SystemPrompt string

	// Capabilities lists what the sub-task may call. nil means every
	// registered capability except delegate.
	Capabilities []string
}

// readOnly is the workspace capability set that never writes.
var readOnly = files.ReadOnlyNames()

var builtinProfiles = map[string]Profile{
	"explore": {
		Name:         "explore",
		Description:  "Fast read-only exploration of the workspace",
		SystemPrompt: "You are an exploration sub-agent. Search and read the workspace to answer the question you are given. Do not modify anything. Finish with a concise report of what you found.",
		Capabilities: readOnly,
	},
	"plan": {
		Name:         "plan",
		Description:  "Investigate the workspace and produce a step-by-step plan",
		SystemPrompt: "You are a planning sub-agent. Read whatever you need, then produce a numbered implementation plan. Do not modify anything.",
		Capabilities: readOnly,
	},
	"review": {
		Name:         "review",
		Description:  "Review files for defects and report findings",
		SystemPrompt: "You are a review sub-agent. Read the files you are pointed at and report concrete defects with file names. Do not modify anything.",
		Capabilities: readOnly,
	},
	"general": {
		Name:         "general",
		Description:  "General-purpose sub-agent with every capability except delegation",
		SystemPrompt: "You are a general-purpose sub-agent. Complete the task you are given and finish with a short report of what you did.",
	},
}

// LookupProfile returns the built-in profile with the given name.
func LookupProfile(name string) (Profile, error) {
	p, ok := builtinProfiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (want one of %s)", name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames returns the built-in profile names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for n := range builtinProfiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// allowed resolves the profile's capability list against the registered
// names. delegate is always removed.
func (p Profile) allowed(registered []string) []string {
	src := p.Capabilities
	if src == nil {
		src = registered
	}
	out := make([]string, 0, len(src))
	for _, n := range src {
		if n == DelegateName || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}
