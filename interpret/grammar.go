package interpret

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/taskloop/provider"
)

// callStartRe matches a call name followed by the opening of its argument
// block, e.g. `LIST_DIR[{`.
var callStartRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_.\-]*\[\s*\{`)

// parseCalls extracts every NAME[{...}] call from content. It returns the
// content with the spans of terminated calls removed.
func (in *Interpreter) parseCalls(content string) (string, []provider.Invocation, []Warning) {
	var (
		calls    []provider.Invocation
		warnings []Warning
		kept     strings.Builder
		pos      int
		copied   int
	)
	for pos < len(content) {
		loc := callStartRe.FindStringIndex(content[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		brace := pos + loc[1] - 1
		bracket := strings.IndexByte(content[start:], '[') + start
		name := content[start:bracket]

		blockEnd, ok := matchBrace(content, brace)
		end := -1
		if ok {
			end = skipSpace(content, blockEnd+1)
			if end >= len(content) || content[end] != ']' {
				end = -1
			}
		}
		if end < 0 {
			// Unterminated: nothing reliable to strip, so the text stays.
			warnings = append(warnings, Warning{Name: name, Span: content[start:], Reason: "unterminated argument block"})
			pos = bracket + 1
			continue
		}

		span := content[start : end+1]
		kept.WriteString(content[copied:start])
		copied = end + 1
		pos = end + 1

		args, err := parseArguments(content[brace : blockEnd+1])
		if err != nil {
			warnings = append(warnings, Warning{Name: name, Span: span, Reason: err.Error()})
			continue
		}
		calls = append(calls, provider.Invocation{ID: in.newID(), Name: name, Arguments: args})
	}
	kept.WriteString(content[copied:])
	return kept.String(), calls, warnings
}

// matchBrace returns the index of the '}' closing the '{' at open. Braces
// inside double-quoted strings are ignored.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	inString := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

type parseError string

func (e parseError) Error() string { return string(e) }

const errNoArguments = parseError("argument block is neither JSON nor key: value pairs")

// parseArguments decodes block strictly as a JSON object and falls back to
// the permissive key: value extractor.
func parseArguments(block string) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(block), &args); err == nil && args != nil {
		return args, nil
	}
	args = parseKeyValues(block)
	if len(args) == 0 {
		if strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(block), "{"), "}")) == "" {
			return map[string]any{}, nil
		}
		return nil, errNoArguments
	}
	return args, nil
}

// parseKeyValues splits block into segments on commas and newlines outside
// quotes and nested brackets, then each segment at its first colon.
func parseKeyValues(block string) map[string]any {
	body := strings.TrimSpace(block)
	body = strings.TrimPrefix(body, "{")
	body = strings.TrimSuffix(body, "}")

	args := map[string]any{}
	for _, seg := range splitSegments(body) {
		key, value, ok := strings.Cut(seg, ":")
		if !ok {
			continue
		}
		key = unquote(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		args[key] = coerce(strings.TrimSpace(value))
	}
	return args
}

func splitSegments(body string) []string {
	var (
		segs     []string
		depth    int
		inString bool
		last     int
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			if depth > 0 {
				depth--
			}
		case ',', '\n':
			if depth == 0 {
				segs = append(segs, body[last:i])
				last = i + 1
			}
		}
	}
	segs = append(segs, body[last:])

	out := segs[:0]
	for _, s := range segs {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			if s[0] == '"' {
				if u, err := strconv.Unquote(s); err == nil {
					return u
				}
			}
			return s[1 : len(s)-1]
		}
	}
	return s
}

// coerce types an unquoted value: booleans, null, numbers and nested JSON
// become their JSON values; everything else stays a string.
func coerce(raw string) any {
	if raw == "" {
		return ""
	}
	if raw[0] == '"' || raw[0] == '\'' {
		return unquote(raw)
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	if raw[0] == '[' || raw[0] == '{' {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

// Render writes inv in the call grammar, e.g. `list_dir[{"path":"."}]`.
func Render(inv provider.Invocation) string {
	args := inv.Arguments
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	return inv.Name + "[" + string(data) + "]"
}
