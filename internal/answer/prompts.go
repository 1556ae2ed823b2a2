package answer

import (
	"fmt"
	"strings"

	"github.com/evidentia-ai/evidentia/internal/llm"
	"github.com/evidentia-ai/evidentia/internal/retrieval"
)

const systemPrompt = `You answer customer-support questions using ONLY the provided passages.
Rules:
- Never state a fact that is not in a passage. If the passages do not
  cover the question, abstain.
- Every number, date, and amount in your answer must appear in a passage.
- Cite the ordinals of the passages you used in the "evidence" array.
- Respond with a single JSON object in exactly this schema, no prose
  around it:
` + schemaDescription

const schemaReminder = `Your previous reply did not match the required schema.
Respond again with ONLY a JSON object in exactly this schema:
` + schemaDescription

// maxHistoryExcerpt bounds how many prior turns go into the prompt.
const maxHistoryExcerpt = 4

// buildMessages assembles the chat request: system contract, a short
// history excerpt, then the question with ordinal-tagged passages.
func buildMessages(question string, passages []*retrieval.Passage, history []llm.Message) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	start := len(history) - maxHistoryExcerpt
	if start < 0 {
		start = 0
	}
	messages = append(messages, history[start:]...)

	var b strings.Builder
	b.WriteString("Passages:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "[C%d] %s\n", i+1, p.Chunk.Text)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)

	return append(messages, llm.Message{Role: llm.RoleUser, Content: b.String()})
}
