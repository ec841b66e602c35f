package interpret

import (
	"fmt"
	"slices"
	"strings"

	"github.com/GoCodeAlone/taskloop/provider"
)

// InstructionsMarker heads the grammar instructions in the system message.
const InstructionsMarker = "## Capability Call Format"

// Instructions renders the call grammar and the capabilities in defs.
func Instructions(defs []provider.CapabilityDef) string {
	var sb strings.Builder
	sb.WriteString(InstructionsMarker)
	sb.WriteString(`

To use a capability, write its name immediately followed by a JSON object of
arguments in square brackets:

NAME[{"argument": "value"}]

For example: list_dir[{"path": "."}]

- Put each call on its own line. You may make several calls in one response.
- Use {} when a capability takes no arguments.
- Results arrive in the next message. When you have the final answer, reply
  without any call.
`)
	if len(defs) > 0 {
		sb.WriteString("\nAvailable capabilities:\n")
		for _, d := range defs {
			fmt.Fprintf(&sb, "- %s: %s%s\n", d.Name, d.Description, describeParams(d.Parameters))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func describeParams(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, r := range req {
			required[r] = true
		}
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if p, ok := props[name].(map[string]any); ok {
			if t, ok := p["type"].(string); ok {
				typ = t
			}
		}
		if required[name] {
			parts = append(parts, fmt.Sprintf("%s (%s, required)", name, typ))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, typ))
		}
	}
	return " Arguments: " + strings.Join(parts, ", ")
}

// InjectInstructions returns a copy of messages whose leading system message
// carries the call grammar exactly once. The instructions are appended to an
// existing system message or inserted as a new one at index 0. Messages that
// already carry them are returned unchanged.
func InjectInstructions(messages []provider.Message, defs []provider.CapabilityDef) []provider.Message {
	if len(messages) > 0 && messages[0].Role == provider.RoleSystem &&
		strings.Contains(messages[0].Content, InstructionsMarker) {
		return messages
	}

	text := Instructions(defs)
	out := make([]provider.Message, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == provider.RoleSystem {
		sys := messages[0]
		if strings.TrimSpace(sys.Content) == "" {
			sys.Content = text
		} else {
			sys.Content = strings.TrimRight(sys.Content, "\n") + "\n\n" + text
		}
		out = append(out, sys)
		return append(out, messages[1:]...)
	}
	out = append(out, provider.Message{Role: provider.RoleSystem, Content: text})
	return append(out, messages...)
}

// Flatten rewrites a conversation for an endpoint without a structured
// invocation channel: assistant invocations are rendered back into the call
// grammar and capability results become user messages naming their call.
func Flatten(messages []provider.Message) []provider.Message {
	names := map[string]string{}
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case provider.RoleAssistant:
			if len(m.Invocations) == 0 {
				out = append(out, provider.Message{Role: m.Role, Content: m.Content})
				continue
			}
			lines := make([]string, 0, len(m.Invocations)+1)
			if m.Content != "" {
				lines = append(lines, m.Content)
			}
			for _, inv := range m.Invocations {
				names[inv.ID] = inv.Name
				lines = append(lines, Render(inv))
			}
			out = append(out, provider.Message{Role: m.Role, Content: strings.Join(lines, "\n")})
		case provider.RoleCapabilityResult:
			name := names[m.ResultRef]
			if name == "" {
				name = "capability"
			}
			out = append(out, provider.Message{
				Role:    provider.RoleUser,
				Content: fmt.Sprintf("[Result of %s]\n%s", name, m.Content),
			})
		default:
			out = append(out, provider.Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}
