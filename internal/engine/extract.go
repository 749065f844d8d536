package engine

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/todo-chat/internal/tools"
)

var (
	openMarker  = regexp.MustCompile(`(?i)<\s*tool_calls\s*>`)
	closeMarker = regexp.MustCompile(`(?i)<\s*/\s*tool_calls\s*>`)
	// openPrefix matches any incomplete beginning of an opening marker.
	openPrefix = regexp.MustCompile(`(?i)^<\s*(t(o(o(l(_(c(a(l(l(s\s*)?)?)?)?)?)?)?)?)?)?$`)
)

// toolCallsEnvelope is the JSON carried inside a TOOL_CALLS block.
type toolCallsEnvelope struct {
	Tools json.RawMessage `json:"tools"`
}

type rawInvocation struct {
	Name   json.RawMessage `json:"name"`
	Params json.RawMessage `json:"params"`
}

// Extract splits raw model output into the user-facing prose and the tool
// invocations carried in its TOOL_CALLS block. Malformed blocks and invalid
// elements never produce an error: they are dropped and logged. Every block
// is removed from the prose; only the first one is dispatched.
func Extract(logger *slog.Logger, text string) (string, []tools.Invocation) {
	if logger == nil {
		logger = slog.Default()
	}
	prose, bodies, unterminated := splitBlocks(text)
	if unterminated {
		logger.Warn("tool call block is not terminated")
	}
	if len(bodies) == 0 {
		return prose, nil
	}
	if len(bodies) > 1 {
		logger.Warn("ignoring extra tool call blocks", "count", len(bodies)-1)
	}

	payload := blockJSON(bodies[0])
	if payload == "" {
		logger.Warn("tool call block has no JSON object")
		return prose, nil
	}
	var env toolCallsEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.Warn("tool call block is not valid JSON", "error", err)
		return prose, nil
	}
	var elems []json.RawMessage
	if len(env.Tools) == 0 || json.Unmarshal(env.Tools, &elems) != nil || elems == nil {
		logger.Warn("tool call block has no tools list")
		return prose, nil
	}

	invs := make([]tools.Invocation, 0, len(elems))
	for i, elem := range elems {
		inv, reason := decodeInvocation(elem)
		if reason != "" {
			logger.Warn("dropping tool call", "index", i, "reason", reason)
			continue
		}
		invs = append(invs, inv)
	}
	return prose, invs
}

// StripBlocks returns text with every TOOL_CALLS block removed.
func StripBlocks(text string) string {
	prose, _, _ := splitBlocks(text)
	return prose
}

// splitBlocks removes every terminated block from text and returns the
// remaining prose, the block bodies in order, and whether text ended inside
// an unterminated block (whose tail is dropped).
func splitBlocks(text string) (string, []string, bool) {
	var (
		pieces []string
		bodies []string
	)
	keep := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			pieces = append(pieces, s)
		}
	}
	rest := text
	for {
		open := openMarker.FindStringIndex(rest)
		if open == nil {
			keep(rest)
			return strings.Join(pieces, "\n"), bodies, false
		}
		keep(rest[:open[0]])
		after := rest[open[1]:]
		closeLoc := closeAfterJSON(after)
		if closeLoc == nil {
			return strings.Join(pieces, "\n"), bodies, true
		}
		bodies = append(bodies, after[:closeLoc[0]])
		rest = after[closeLoc[1]:]
	}
}

// closeAfterJSON locates the closing marker in s, the text after an opener.
// When a balanced JSON object starts before the first closer, the search
// begins after that object, so a closer inside a string value is skipped.
func closeAfterJSON(s string) []int {
	from := 0
	if brace := strings.IndexByte(s, '{'); brace >= 0 {
		first := closeMarker.FindStringIndex(s)
		if first == nil || brace < first[0] {
			if obj := extractBalanced(s[brace:]); obj != "" {
				from = brace + len(obj)
			}
		}
	}
	loc := closeMarker.FindStringIndex(s[from:])
	if loc == nil {
		return nil
	}
	return []int{from + loc[0], from + loc[1]}
}

func decodeInvocation(elem json.RawMessage) (tools.Invocation, string) {
	var raw rawInvocation
	if err := json.Unmarshal(elem, &raw); err != nil {
		return tools.Invocation{}, "element is not an object"
	}
	var name string
	if len(raw.Name) == 0 || json.Unmarshal(raw.Name, &name) != nil {
		return tools.Invocation{}, "name is missing or not a string"
	}
	if !tools.IsRegistered(name) {
		return tools.Invocation{}, "unknown tool " + name
	}
	params := map[string]any{}
	if len(raw.Params) > 0 && string(raw.Params) != "null" {
		if err := json.Unmarshal(raw.Params, &params); err != nil || params == nil {
			return tools.Invocation{}, "params is not an object"
		}
	}
	return tools.Invocation{Name: name, Params: params}, ""
}

// blockJSON returns the JSON object inside a block body, unwrapping an
// optional code fence.
func blockJSON(body string) string {
	s := strings.TrimSpace(body)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			// Drop the info string ("json") on the fence line.
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(strings.TrimSpace(s), "json")
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	return extractBalanced(s[start:])
}

// extractBalanced returns the shortest prefix of s that is a balanced JSON
// object or array, respecting string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// fragmentFilter forwards streamed text with TOOL_CALLS blocks removed.
// Text that may still grow into an opening marker is held back until the
// next fragment decides it; block contents are never forwarded.
type fragmentFilter struct {
	emit    func(string) error
	buf     string
	inBlock bool
}

func newFragmentFilter(emit func(string) error) *fragmentFilter {
	return &fragmentFilter{emit: emit}
}

func (f *fragmentFilter) write(fragment string) error {
	f.buf += fragment
	for {
		if f.inBlock {
			loc := streamedClose(f.buf)
			if loc == nil {
				return nil
			}
			f.buf = f.buf[loc[1]:]
			f.inBlock = false
			continue
		}
		if open := openMarker.FindStringIndex(f.buf); open != nil {
			if err := f.send(f.buf[:open[0]]); err != nil {
				return err
			}
			f.buf = f.buf[open[1]:]
			f.inBlock = true
			continue
		}
		if lt := strings.LastIndexByte(f.buf, '<'); lt >= 0 && openPrefix.MatchString(f.buf[lt:]) {
			if err := f.send(f.buf[:lt]); err != nil {
				return err
			}
			f.buf = f.buf[lt:]
			return nil
		}
		err := f.send(f.buf)
		f.buf = ""
		return err
	}
}

// flush forwards whatever is still held back once the stream has ended.
// A block left open at that point is resolved the same way Extract does.
func (f *fragmentFilter) flush() error {
	rest := f.buf
	f.buf = ""
	if f.inBlock {
		f.inBlock = false
		loc := closeAfterJSON(rest)
		if loc == nil {
			return nil
		}
		rest = rest[loc[1]:]
		if openMarker.MatchString(rest) {
			rest = StripBlocks(rest)
		}
	}
	return f.send(rest)
}

func (f *fragmentFilter) send(s string) error {
	if s == "" {
		return nil
	}
	return f.emit(s)
}

// streamedClose finds the closer of a block whose body is still arriving.
// Once the body opens a JSON object, the closer only counts after the
// object is complete.
func streamedClose(s string) []int {
	brace := strings.IndexByte(s, '{')
	first := closeMarker.FindStringIndex(s)
	if brace < 0 || (first != nil && first[0] < brace) {
		return first
	}
	obj := extractBalanced(s[brace:])
	if obj == "" {
		return nil
	}
	from := brace + len(obj)
	loc := closeMarker.FindStringIndex(s[from:])
	if loc == nil {
		return nil
	}
	return []int{from + loc[0], from + loc[1]}
}
