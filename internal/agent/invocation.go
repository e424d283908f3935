package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"skillagent/internal/skills"
)

// Invocation protocol tags. Anything the model emits that does not form a
// complete, well-formed block is treated as prose.
const (
	openTag  = "<execute_skill>"
	closeTag = "</execute_skill>"
)

// ParseEvent is one output of the incremental invocation parser: a text
// fragment, a completed invocation, or a malformed block.
type ParseEvent struct {
	Text       string
	Invocation *skills.Invocation
	Malformed  string // raw block text, echoed to the transcript as prose
}

// StreamParser detects invocation blocks in a streamed assistant payload.
// Feed it deltas as they arrive; it emits text for everything outside a
// block and a single invocation event when a block closes. Only the
// shortest fragment that could still open or close a tag is held back, so
// prose is forwarded with minimal latency.
type StreamParser struct {
	buf    strings.Builder
	inside bool
}

// NewStreamParser returns a parser for one assistant response.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes one stream delta and returns any events it completes.
func (p *StreamParser) Feed(delta string) []ParseEvent {
	p.buf.WriteString(delta)
	var events []ParseEvent
	for {
		made := false
		s := p.buf.String()

		if !p.inside {
			if i := strings.Index(s, openTag); i >= 0 {
				if i > 0 {
					events = append(events, ParseEvent{Text: s[:i]})
				}
				p.buf.Reset()
				p.buf.WriteString(s[i+len(openTag):])
				p.inside = true
				made = true
			} else {
				hold := tagPrefixLen(s, openTag)
				if emit := s[:len(s)-hold]; emit != "" {
					events = append(events, ParseEvent{Text: emit})
					p.buf.Reset()
					p.buf.WriteString(s[len(s)-hold:])
				}
			}
		} else {
			if i := strings.Index(s, closeTag); i >= 0 {
				events = append(events, parseBlock(s[:i]))
				p.buf.Reset()
				p.buf.WriteString(s[i+len(closeTag):])
				p.inside = false
				made = true
			}
		}

		if !made {
			return events
		}
	}
}

// Close flushes the parser at end of stream. An unterminated block is
// reported as malformed with its raw text.
func (p *StreamParser) Close() []ParseEvent {
	s := p.buf.String()
	p.buf.Reset()
	if p.inside {
		p.inside = false
		return []ParseEvent{{Malformed: openTag + s}}
	}
	if s == "" {
		return nil
	}
	return []ParseEvent{{Text: s}}
}

// parseBlock interprets the content between the invocation tags.
func parseBlock(block string) ParseEvent {
	name := innerTag(block, "skill_name")
	if strings.TrimSpace(name) == "" {
		return ParseEvent{Malformed: openTag + block + closeTag}
	}

	inv := &skills.Invocation{SkillName: strings.TrimSpace(name)}
	inv.Code = strings.TrimSpace(innerTag(block, "code"))

	if rawArgs := strings.TrimSpace(innerTag(block, "args")); rawArgs != "" {
		args := map[string]any{}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return ParseEvent{Malformed: openTag + block + closeTag}
		}
		inv.Args = args
	}

	if inv.Code == "" && len(inv.Args) == 0 {
		return ParseEvent{Malformed: openTag + block + closeTag}
	}
	return ParseEvent{Invocation: inv}
}

// innerTag returns the content between <tag> and the last matching close
// tag, so code bodies containing angle brackets survive.
func innerTag(s, tag string) string {
	opening := fmt.Sprintf("<%s>", tag)
	closing := fmt.Sprintf("</%s>", tag)
	i := strings.Index(s, opening)
	if i < 0 {
		return ""
	}
	rest := s[i+len(opening):]
	j := strings.LastIndex(rest, closing)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// tagPrefixLen returns the length of the longest suffix of s that is a
// proper prefix of tag.
func tagPrefixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
