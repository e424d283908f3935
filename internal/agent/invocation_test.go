package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll pushes the input one rune at a time, the worst case for
// fragment buffering, and returns all events including the flush.
func feedAll(p *StreamParser, input string) []ParseEvent {
	var events []ParseEvent
	for _, r := range input {
		events = append(events, p.Feed(string(r))...)
	}
	return append(events, p.Close()...)
}

func collectText(events []ParseEvent) string {
	var out string
	for _, ev := range events {
		out += ev.Text
	}
	return out
}

func invocations(events []ParseEvent) []ParseEvent {
	var out []ParseEvent
	for _, ev := range events {
		if ev.Invocation != nil {
			out = append(out, ev)
		}
	}
	return out
}

func TestParserPlainText(t *testing.T) {
	events := feedAll(NewStreamParser(), "Hello, how can I help?")
	assert.Equal(t, "Hello, how can I help?", collectText(events))
	assert.Empty(t, invocations(events))
}

func TestParserSingleInvocation(t *testing.T) {
	input := "Let me check.<execute_skill>\n<skill_name>web_search</skill_name>\n<code>\nprint(search(\"go\"))\n</code>\n</execute_skill>"
	events := feedAll(NewStreamParser(), input)

	assert.Equal(t, "Let me check.", collectText(events))
	invs := invocations(events)
	require.Len(t, invs, 1)
	assert.Equal(t, "web_search", invs[0].Invocation.SkillName)
	assert.Equal(t, `print(search("go"))`, invs[0].Invocation.Code)
}

func TestParserTrailingTextAfterInvocation(t *testing.T) {
	input := "<execute_skill><skill_name>s</skill_name><code>x()</code></execute_skill>Done."
	events := feedAll(NewStreamParser(), input)

	require.Len(t, invocations(events), 1)
	assert.Equal(t, "Done.", collectText(events))
}

func TestParserMultipleSequentialBlocks(t *testing.T) {
	input := "<execute_skill><skill_name>a</skill_name><code>1</code></execute_skill>" +
		"middle" +
		"<execute_skill><skill_name>b</skill_name><code>2</code></execute_skill>"
	events := feedAll(NewStreamParser(), input)

	invs := invocations(events)
	require.Len(t, invs, 2)
	assert.Equal(t, "a", invs[0].Invocation.SkillName)
	assert.Equal(t, "b", invs[1].Invocation.SkillName)
	assert.Equal(t, "middle", collectText(events))
}

func TestParserArgsBlock(t *testing.T) {
	input := `<execute_skill><skill_name>web_search</skill_name><args>{"query": "golang"}</args></execute_skill>`
	events := feedAll(NewStreamParser(), input)

	invs := invocations(events)
	require.Len(t, invs, 1)
	assert.Equal(t, "golang", invs[0].Invocation.Args["query"])
	assert.Empty(t, invs[0].Invocation.Code)
}

func TestParserHoldsOnlyPotentialTagPrefix(t *testing.T) {
	p := NewStreamParser()

	// Plain prose is forwarded immediately.
	events := p.Feed("The answer is 42. ")
	assert.Equal(t, "The answer is 42. ", collectText(events))

	// A fragment that could open a tag is held back.
	events = p.Feed("<exec")
	assert.Empty(t, collectText(events))

	// When it turns out not to be the tag, the held text is released.
	events = p.Feed("utive summary: fine.")
	assert.Equal(t, "<executive summary: fine.", collectText(events))
}

func TestParserAngleBracketProse(t *testing.T) {
	events := feedAll(NewStreamParser(), "Use x < y, or <b>bold</b> text.")
	assert.Equal(t, "Use x < y, or <b>bold</b> text.", collectText(events))
}

func TestParserUnterminatedBlock(t *testing.T) {
	events := feedAll(NewStreamParser(), "text<execute_skill><skill_name>s</skill_name><code>x")

	assert.Equal(t, "text", collectText(events))
	var malformed []string
	for _, ev := range events {
		if ev.Malformed != "" {
			malformed = append(malformed, ev.Malformed)
		}
	}
	require.Len(t, malformed, 1)
	assert.Contains(t, malformed[0], "<execute_skill>")
	assert.Contains(t, malformed[0], "x")
}

func TestParserBlockMissingSkillName(t *testing.T) {
	events := feedAll(NewStreamParser(), "<execute_skill><code>x()</code></execute_skill>")
	assert.Empty(t, invocations(events))

	count := 0
	for _, ev := range events {
		if ev.Malformed != "" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestParserBlockWithBadArgsJSON(t *testing.T) {
	events := feedAll(NewStreamParser(), "<execute_skill><skill_name>s</skill_name><args>{broken</args></execute_skill>")
	assert.Empty(t, invocations(events))
}

func TestParserCodeWithAngleBrackets(t *testing.T) {
	input := "<execute_skill><skill_name>s</skill_name><code>if a < b: print('<ok>')</code></execute_skill>"
	events := feedAll(NewStreamParser(), input)

	invs := invocations(events)
	require.Len(t, invs, 1)
	assert.Equal(t, "if a < b: print('<ok>')", invs[0].Invocation.Code)
}

func TestParserLargeDeltaWholeBlockAtOnce(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed("before<execute_skill><skill_name>s</skill_name><code>x()</code></execute_skill>after")
	events = append(events, p.Close()...)

	assert.Equal(t, "beforeafter", collectText(events))
	assert.Len(t, invocations(events), 1)
}
