// Package extraction decides which catalog facts a transcript already
// covers. Results are always recomputed from the whole transcript.
package extraction

import (
	"strings"

	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/domain"
)

type FactStatus struct {
	Found       bool
	Description string
}

type Result struct {
	Field catalog.Field
	Facts map[string]FactStatus

	found   []catalog.RequiredFact
	missing []catalog.RequiredFact
}

// Found returns the found facts in catalog order.
func (r Result) Found() []catalog.RequiredFact { return r.found }

// Missing returns the missing facts in catalog order.
func (r Result) Missing() []catalog.RequiredFact { return r.missing }

func (r Result) FoundKeys() []string  { return keys(r.found) }
func (r Result) MissingKeys() []string { return keys(r.missing) }

// Empty reports whether the field had no requirements to check, which is the
// case for unclassified or unknown fields.
func (r Result) Empty() bool { return len(r.Facts) == 0 }

func keys(facts []catalog.RequiredFact) []string {
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Key)
	}
	return out
}

type Engine struct {
	catalog *catalog.Catalog
}

func NewEngine(c *catalog.Catalog) *Engine {
	return &Engine{catalog: c}
}

// Extract scans the client side of transcript for the field's keywords. A
// fact is found iff at least one of its keywords occurs as a substring.
func (e *Engine) Extract(transcript []domain.Message, field catalog.Field) Result {
	res := Result{Field: field, Facts: map[string]FactStatus{}}

	entry, ok := e.catalog.Entry(field)
	if !ok {
		return res
	}

	text := ClientText(transcript)
	for _, fact := range entry.Facts {
		found := matchesAny(text, fact.Keywords)
		res.Facts[fact.Key] = FactStatus{Found: found, Description: fact.Description}
		if found {
			res.found = append(res.found, fact)
		} else {
			res.missing = append(res.missing, fact)
		}
	}
	return res
}

// ClientText joins client-authored messages in order, one per line, and
// lower-cases them. The line break keeps a keyword from matching across two
// messages.
func ClientText(transcript []domain.Message) string {
	var sb strings.Builder
	for _, m := range transcript {
		if m.Role != domain.RoleClient {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Text)
	}
	return strings.ToLower(sb.String())
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
