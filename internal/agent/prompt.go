package agent

import (
	"strings"
	"time"
)

// behaviorPreamble sets tone and the search-vs-answer policy.
const behaviorPreamble = `You are a capable, pragmatic assistant.

Guidelines:
- Answer from your own knowledge when the question is stable over time (definitions, established facts, how-to advice).
- Use a skill when the question needs current data, private services, or computation you cannot do reliably in your head.
- Be concise. Do not narrate which skill you are about to use; just use it.
- Never fabricate skill output.`

// protocolSection gives the exact invocation syntax. One block per turn;
// the engine executes blocks in textual order if the model emits several.
const protocolSection = `To use a skill, emit exactly this block and nothing else inside it:

<execute_skill>
<skill_name>NAME</skill_name>
<code>
# python code executed in the sandbox
</code>
</execute_skill>

Alternatively, for skills that accept structured arguments, replace the code tag with:

<args>{"param": "value"}</args>

Emit at most one block per response. After the block, stop; you will receive the execution result as the next message and can then continue or answer.`

// finalPassDirective is injected when the iteration bound is reached.
const finalPassDirective = `You have used the maximum number of skill executions for this request. Produce your final answer now using the information already gathered. Do not emit any further execute_skill blocks.`

// Composer assembles the system prompt. The clock is injectable so
// composition is deterministic under test.
type Composer struct {
	now func() time.Time
}

// NewComposer returns a composer using the wall clock.
func NewComposer() *Composer {
	return &Composer{now: time.Now}
}

// Compose concatenates, in order: current date/time, the behavioral
// preamble, the skills catalog, the memory excerpt (may be empty), and the
// execution protocol. Identical inputs produce identical output for a
// fixed clock.
func (c *Composer) Compose(catalog, memoryBlock string) string {
	return c.ComposeWith("", catalog, memoryBlock)
}

// ComposeWith builds the prompt with a custom behavioral preamble, keeping
// the catalog and execution protocol intact. An empty preamble selects the
// default.
func (c *Composer) ComposeWith(preamble, catalog, memoryBlock string) string {
	if preamble == "" {
		preamble = behaviorPreamble
	}
	var b strings.Builder
	b.WriteString("Current date and time: ")
	b.WriteString(c.now().UTC().Format("Monday, 2 January 2006, 15:04 UTC"))
	b.WriteString("\n\n")
	b.WriteString(preamble)
	b.WriteString("\n\n")
	b.WriteString(catalog)
	if memoryBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(memoryBlock)
	}
	b.WriteString("\n\n")
	b.WriteString(protocolSection)
	return b.String()
}
