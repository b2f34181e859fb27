package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/domain"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return NewEngine(c)
}

func transcript(turns ...string) []domain.Message {
	var out []domain.Message
	for i, text := range turns {
		role := domain.RoleClient
		if i%2 == 1 {
			role = domain.RoleAgent
		}
		out = append(out, domain.Message{Role: role, Text: text, At: time.Unix(int64(i), 0)})
	}
	return out
}

func TestExtract_Trabalhista(t *testing.T) {
	e := newEngine(t)
	msgs := transcript(
		"Olá, meu salário era 2500",
		"Entendi. Quando você foi contratado?",
		"Fui admitido em março",
	)

	res := e.Extract(msgs, catalog.FieldTrabalhista)

	assert.ElementsMatch(t, []string{"ultimoSalario", "dataAdmissao"}, res.FoundKeys())
	assert.Equal(t, []string{"dataDemissao", "cargo", "nomeEmpresa", "jornadaTrabalho"}, res.MissingKeys())
	assert.True(t, res.Facts["ultimoSalario"].Found)
	assert.False(t, res.Facts["cargo"].Found)
	assert.Equal(t, "Cargo ou função exercida", res.Facts["cargo"].Description)
}

func TestExtract_IgnoresAgentMessages(t *testing.T) {
	e := newEngine(t)
	msgs := transcript(
		"bom dia",
		"Qual era o seu cargo e o nome da empresa?",
	)

	res := e.Extract(msgs, catalog.FieldTrabalhista)
	assert.Empty(t, res.FoundKeys())
	assert.Len(t, res.MissingKeys(), 6)
}

func TestExtract_CaseInsensitive(t *testing.T) {
	e := newEngine(t)
	res := e.Extract(transcript("MEU SALÁRIO ERA 3000"), catalog.FieldTrabalhista)
	assert.True(t, res.Facts["ultimoSalario"].Found)
}

func TestExtract_Deterministic(t *testing.T) {
	e := newEngine(t)
	msgs := transcript("trabalhava como vendedor na empresa Alfa", "ok", "fui demitido ontem")

	first := e.Extract(msgs, catalog.FieldTrabalhista)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Extract(msgs, catalog.FieldTrabalhista))
	}
}

func TestExtract_UnknownField(t *testing.T) {
	e := newEngine(t)

	for _, f := range []catalog.Field{"", "tributario"} {
		res := e.Extract(transcript("meu salário era 2500"), f)
		assert.True(t, res.Empty())
		assert.Empty(t, res.Missing())
		assert.Empty(t, res.Found())
	}
}

func TestExtract_KeywordsDoNotSpanMessages(t *testing.T) {
	e := newEngine(t)
	res := e.Extract(transcript("me mandaram", "ok", "embora da loja"), catalog.FieldTrabalhista)
	assert.False(t, res.Facts["dataDemissao"].Found)

	res = e.Extract(transcript("me mandaram embora da loja"), catalog.FieldTrabalhista)
	assert.True(t, res.Facts["dataDemissao"].Found)
}

func TestClientText(t *testing.T) {
	got := ClientText(transcript("Primeira", "resposta do agente", "Segunda"))
	assert.Equal(t, "primeira\nsegunda", got)
}
