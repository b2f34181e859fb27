// Package selector picks the next fact to ask for and renders the structured
// directive handed to the text-generation collaborator.
package selector

import (
	"strings"

	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/domain"
)

// recentTurns bounds how much of the transcript travels with a directive.
const recentTurns = 6

// SelectNext returns the first missing high-importance fact in catalog
// order, else the first missing medium one. ok is false when nothing is
// missing.
func SelectNext(missing []catalog.RequiredFact) (catalog.RequiredFact, bool) {
	for _, f := range missing {
		if f.Importance == catalog.ImportanceHigh {
			return f, true
		}
	}
	for _, f := range missing {
		if f.Importance == catalog.ImportanceMedium {
			return f, true
		}
	}
	return catalog.RequiredFact{}, false
}

type Turn struct {
	Role domain.Role `json:"role"`
	Text string      `json:"text"`
}

// Directive is the brief for one outbound question. It carries data only;
// wording is left to the composer.
type Directive struct {
	FieldKey          string             `json:"fieldKey,omitempty"`
	FieldName         string             `json:"fieldName,omitempty"`
	FactKey           string             `json:"factKey,omitempty"`
	FactDescription   string             `json:"factDescription,omitempty"`
	Importance        catalog.Importance `json:"importance,omitempty"`
	Examples          []string           `json:"examples,omitempty"`
	ClientName        string             `json:"clientName,omitempty"`
	LastClientMessage string             `json:"lastClientMessage,omitempty"`
	RecentTurns       []Turn             `json:"recentTurns,omitempty"`
	Mode              Mode               `json:"mode"`
}

type Mode string

const (
	// ModeAsk requests one specific fact.
	ModeAsk Mode = "ask"
	// ModeTriage asks the client to describe the case; used while the field
	// is unknown.
	ModeTriage Mode = "triage"
	// ModeHandoff tells the client a lawyer will take over.
	ModeHandoff Mode = "handoff"
)

// Render builds an ask directive for fact. It is a pure function of its
// arguments.
func Render(fact catalog.RequiredFact, field catalog.Field, fieldName, clientName string, transcript []domain.Message) Directive {
	d := base(ModeAsk, clientName, transcript)
	d.FieldKey = string(field)
	d.FieldName = fieldName
	d.FactKey = fact.Key
	d.FactDescription = fact.Description
	d.Importance = fact.Importance
	d.Examples = append([]string(nil), fact.Examples...)
	return d
}

func RenderTriage(clientName string, transcript []domain.Message) Directive {
	return base(ModeTriage, clientName, transcript)
}

func RenderHandoff(field catalog.Field, fieldName, clientName string, transcript []domain.Message) Directive {
	d := base(ModeHandoff, clientName, transcript)
	d.FieldKey = string(field)
	d.FieldName = fieldName
	return d
}

func base(mode Mode, clientName string, transcript []domain.Message) Directive {
	d := Directive{Mode: mode, ClientName: FirstName(clientName)}

	start := len(transcript) - recentTurns
	if start < 0 {
		start = 0
	}
	for _, m := range transcript[start:] {
		d.RecentTurns = append(d.RecentTurns, Turn{Role: m.Role, Text: m.Text})
	}
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == domain.RoleClient {
			d.LastClientMessage = transcript[i].Text
			break
		}
	}
	return d
}

// FirstName returns the first word of a contact display name.
func FirstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
