// Package memory selects long-conversation context for the current query.
// Retrieval is two-stage: a rerank model scores prior messages against the
// query, then an LLM distills the top-scored messages into a short context
// note. Persisted memory entries bypass both stages and are always
// included.
package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"skillagent/internal/provider"
	"skillagent/internal/rerank"
	"skillagent/internal/store"
)

// extractionInstruction is the fixed prompt for the distillation stage.
const extractionInstruction = `You are a memory extraction assistant. Given excerpts from an earlier conversation and the user's current question, extract only the facts from the excerpts that are relevant to answering the question. Reply with a short bullet list. If nothing is relevant, reply with exactly: NONE`

// Reranker scores documents against a query. Satisfied by rerank.Client.
type Reranker interface {
	TopScores(ctx context.Context, query string, documents []string, topN int, minScore float64) ([]rerank.Score, error)
}

// Retriever assembles the memory context injected into the system prompt.
type Retriever struct {
	reranker      Reranker
	llm           provider.LLMProvider
	model         string
	topK          int
	minScore      float64
	turnThreshold int
}

// NewRetriever creates a retriever. turnThreshold is the number of user
// messages a session must accumulate before rerank retrieval kicks in;
// below it only persisted entries are returned.
func NewRetriever(reranker Reranker, llm provider.LLMProvider, model string, topK int, minScore float64, turnThreshold int) *Retriever {
	return &Retriever{
		reranker:      reranker,
		llm:           llm,
		model:         model,
		topK:          topK,
		minScore:      minScore,
		turnThreshold: turnThreshold,
	}
}

// Retrieve returns the memory block for the current query, or "" when
// there is nothing to inject. Retrieval failures are logged and degrade to
// whatever could still be assembled; they never fail the request.
func (r *Retriever) Retrieve(ctx context.Context, query string, history []store.Message, persisted []store.MemoryEntry) string {
	var sections []string

	for _, entry := range persisted {
		sections = append(sections, fmt.Sprintf("- [%s] %s: %s", entry.Category, entry.Key, entry.Value))
	}

	if r.shouldRetrieve(history) {
		if extracted := r.retrieveFromHistory(ctx, query, history); extracted != "" {
			sections = append(sections, extracted)
		}
	}

	if len(sections) == 0 {
		return ""
	}
	return "<memory>\n" + strings.Join(sections, "\n") + "\n</memory>"
}

// shouldRetrieve gates history retrieval on the number of user turns.
func (r *Retriever) shouldRetrieve(history []store.Message) bool {
	if r.reranker == nil || r.llm == nil {
		return false
	}
	users := 0
	for _, m := range history {
		if m.Role == provider.RoleUser {
			users++
		}
	}
	return users >= r.turnThreshold
}

func (r *Retriever) retrieveFromHistory(ctx context.Context, query string, history []store.Message) string {
	var docs []string
	for _, m := range history {
		if m.Role != provider.RoleUser && m.Role != provider.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		docs = append(docs, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}
	if len(docs) == 0 {
		return ""
	}

	scores, err := r.reranker.TopScores(ctx, query, docs, r.topK, r.minScore)
	if err != nil {
		log.Printf("warning: memory rerank failed: %v", err)
		return ""
	}
	if len(scores) == 0 {
		return ""
	}

	selected := make([]string, 0, len(scores))
	for _, sc := range scores {
		selected = append(selected, docs[sc.Index])
	}

	extracted, err := r.extract(ctx, query, selected)
	if err != nil {
		log.Printf("warning: memory extraction failed: %v", err)
		return ""
	}
	return extracted
}

// extract runs the distillation stage over the selected excerpts.
func (r *Retriever) extract(ctx context.Context, query string, excerpts []string) (string, error) {
	userPrompt := fmt.Sprintf("Current question:\n%s\n\nConversation excerpts:\n%s", query, strings.Join(excerpts, "\n"))

	ch, err := r.llm.Stream(ctx, provider.CompletionRequest{
		Model: r.model,
		Messages: []provider.Message{
			provider.NewSystemMessage(extractionInstruction),
			provider.NewUserMessage(userPrompt),
		},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for ev := range ch {
		switch ev.Type {
		case "text_delta":
			b.WriteString(ev.Text)
		case "error":
			return "", ev.Error
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" || out == "NONE" {
		return "", nil
	}
	return out, nil
}
