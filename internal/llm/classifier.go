package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/extraction"
)

var ErrNoMatch = errors.New("no legal field matched")

// KeywordClassifier picks the field whose cues occur most often in the
// client's messages. Ties go to the field listed first in the catalog.
type KeywordClassifier struct {
	catalog *catalog.Catalog
}

func NewKeywordClassifier(c *catalog.Catalog) *KeywordClassifier {
	return &KeywordClassifier{catalog: c}
}

func (k *KeywordClassifier) Classify(ctx context.Context, transcript []domain.Message) (string, error) {
	text := catalog.Normalize(extraction.ClientText(transcript))
	if text == "" {
		return "", ErrNoMatch
	}

	var (
		best      catalog.Field
		bestScore int
	)
	for _, f := range k.catalog.Fields() {
		entry, _ := k.catalog.Entry(f)
		score := 0
		for _, cue := range entry.Cues {
			if n := catalog.Normalize(cue); n != "" {
				score += strings.Count(text, n)
			}
		}
		if score > bestScore {
			best, bestScore = f, score
		}
	}
	if bestScore == 0 {
		return "", ErrNoMatch
	}
	return string(best), nil
}

const classifyPrompt = `Classifique a área do direito da conversa abaixo.
Áreas possíveis:
%s
Responda apenas com JSON no formato {"field":"<chave>"}. Use {"field":""} se não for possível decidir.

Conversa do cliente:
%s`

// ModelClassifier asks a language model for the field and falls back to
// keyword matching when the model fails or abstains.
type ModelClassifier struct {
	client   client
	catalog  *catalog.Catalog
	fallback *KeywordClassifier
}

func NewModelClassifier(provider model.Provider, c *catalog.Catalog, maxTokens int) *ModelClassifier {
	return &ModelClassifier{
		client:   client{provider: provider, maxTokens: maxTokens},
		catalog:  c,
		fallback: NewKeywordClassifier(c),
	}
}

func (m *ModelClassifier) Classify(ctx context.Context, transcript []domain.Message) (string, error) {
	var fields strings.Builder
	for _, f := range m.catalog.Fields() {
		fmt.Fprintf(&fields, "- %s: %s\n", f, m.catalog.DisplayName(f))
	}

	out, err := m.client.complete(ctx, "", fmt.Sprintf(classifyPrompt, fields.String(), extraction.ClientText(transcript)))
	if err != nil {
		if label, ferr := m.fallback.Classify(ctx, transcript); ferr == nil {
			return label, nil
		}
		return "", fmt.Errorf("classify: %w", err)
	}

	label := parseLabel(out)
	if _, ok := m.catalog.Resolve(label); !ok {
		return m.fallback.Classify(ctx, transcript)
	}
	return label, nil
}

func parseLabel(out string) string {
	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	out = strings.TrimSpace(out)

	var parsed struct {
		Field string `json:"field"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err == nil {
		return strings.TrimSpace(parsed.Field)
	}
	return out
}
