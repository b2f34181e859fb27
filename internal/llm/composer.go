package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/jurisbot/internal/selector"
)

// TemplateComposer words directives with fixed Portuguese templates.
type TemplateComposer struct{}

func (TemplateComposer) Compose(ctx context.Context, d selector.Directive) (string, error) {
	name := selector.FirstName(d.ClientName)
	switch d.Mode {
	case selector.ModeTriage:
		return greet("Olá", name, "! ") +
			"Para direcionar seu atendimento, pode me contar com suas palavras o que aconteceu?", nil
	case selector.ModeHandoff:
		return greet("Obrigado", name, "! ") +
			fmt.Sprintf("Já tenho as informações iniciais sobre seu caso de %s. ", strings.ToLower(d.FieldName)) +
			"Um advogado da nossa equipe vai continuar seu atendimento em breve.", nil
	case selector.ModeAsk:
		var b strings.Builder
		if name != "" {
			fmt.Fprintf(&b, "%s, ", name)
		}
		fmt.Fprintf(&b, "para entender melhor seu caso de %s, pode me informar: %s?", strings.ToLower(d.FieldName), lowerFirst(d.FactDescription))
		if len(d.Examples) > 0 {
			fmt.Fprintf(&b, " (por exemplo: %s)", d.Examples[0])
		}
		return upperFirst(b.String()), nil
	}
	return "", fmt.Errorf("unknown directive mode %q", d.Mode)
}

func greet(word, name, tail string) string {
	if name == "" {
		return word + tail
	}
	return word + ", " + name + tail
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToLower(string(r[0])))[0]
	return string(r)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}

const composeSystem = `Você é a assistente virtual de um escritório de advocacia brasileiro fazendo a triagem inicial de clientes pelo WhatsApp.
Escreva uma única mensagem curta, cordial e informal, em português do Brasil, seguindo a diretiva em JSON.
- mode "ask": peça somente a informação descrita em factDescription, sem listar outras perguntas.
- mode "triage": peça ao cliente que descreva o problema.
- mode "handoff": agradeça e avise que um advogado dará continuidade.
Nunca dê orientação jurídica nem prometa resultados. Responda apenas com o texto da mensagem.`

// ModelComposer words directives with a language model and falls back to
// the templates when the model fails.
type ModelComposer struct {
	client   client
	fallback TemplateComposer
}

func NewModelComposer(provider model.Provider, maxTokens int) *ModelComposer {
	return &ModelComposer{client: client{provider: provider, maxTokens: maxTokens}}
}

func (m *ModelComposer) Compose(ctx context.Context, d selector.Directive) (string, error) {
	brief, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal directive: %w", err)
	}
	out, err := m.client.complete(ctx, composeSystem, string(brief))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return m.fallback.Compose(ctx, d)
	}
	return out, nil
}
