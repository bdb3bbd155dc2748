package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/clipcast/clipcast/pkg/models"
)

// chatClient is the slice of the LLM client the classifiers need.
type chatClient interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// LLMClassifier implements the similarity and safety filters with
// yes/no LLM calls. The gate treats similarity errors as "not similar"
// and safety errors as denial, so this classifier just surfaces them.
type LLMClassifier struct {
	llm chatClient
}

// NewLLMClassifier wires the classifier.
func NewLLMClassifier(llm chatClient) *LLMClassifier {
	return &LLMClassifier{llm: llm}
}

const similaritySystemPrompt = "You deduplicate news coverage. Given a candidate " +
	"headline and a list of recently covered headlines, answer YES if the candidate " +
	"covers the same story as any of them, otherwise NO. Answer with a single word."

// Similar implements SimilarityClassifier.
func (c *LLMClassifier) Similar(ctx context.Context, item Item, recent []*models.Job) (bool, error) {
	if len(recent) == 0 {
		return false, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate: %s\n\nRecently covered:\n", item.Title)
	for _, job := range recent {
		fmt.Fprintf(&b, "- %s\n", job.Title)
	}

	answer, err := c.llm.Chat(ctx, similaritySystemPrompt, b.String())
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

const safetySystemPrompt = "You screen news topics for a general-audience video " +
	"channel. Answer YES if the topic is safe to cover (no graphic violence, " +
	"self-harm, sexual content, or targeted harassment), otherwise NO. " +
	"Answer with a single word."

// Approve implements SafetyClassifier.
func (c *LLMClassifier) Approve(ctx context.Context, item Item) (bool, error) {
	prompt := fmt.Sprintf("Topic: %s\nSummary: %s", item.Title, item.Summary)
	answer, err := c.llm.Chat(ctx, safetySystemPrompt, prompt)
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

// isYes tolerates punctuation and casing around the one-word answer.
func isYes(answer string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "YES")
}
