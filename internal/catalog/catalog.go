// Package catalog loads the per-field requirement catalog that drives
// structured intake questioning. A catalog is immutable once loaded.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/jurisbot/internal/fault"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Field identifies a legal field. The set is closed: a catalog may only
// describe fields listed in KnownFields.
type Field string

const (
	FieldTrabalhista    Field = "trabalhista"
	FieldPrevidenciario Field = "previdenciario"
	FieldFamilia        Field = "familia"
	FieldConsumidor     Field = "consumidor"
	FieldCivil          Field = "civil"
	FieldCriminal       Field = "criminal"
)

var KnownFields = []Field{
	FieldTrabalhista,
	FieldPrevidenciario,
	FieldFamilia,
	FieldConsumidor,
	FieldCivil,
	FieldCriminal,
}

func (f Field) Known() bool {
	for _, k := range KnownFields {
		if f == k {
			return true
		}
	}
	return false
}

type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
)

type RequiredFact struct {
	Key         string     `yaml:"key"`
	Description string     `yaml:"description"`
	Importance  Importance `yaml:"importance"`
	Keywords    []string   `yaml:"keywords"`
	Examples    []string   `yaml:"examples"`
}

// Entry is the requirement list of one field. Facts are kept in catalog
// order, which is the order the selector walks.
type Entry struct {
	Field   Field          `yaml:"field"`
	Name    string         `yaml:"name"`
	Aliases []string       `yaml:"aliases"`
	Cues    []string       `yaml:"cues"`
	Facts   []RequiredFact `yaml:"facts"`
}

type Catalog struct {
	entries map[Field]*Entry
	order   []Field
	aliases map[string]Field
}

type document struct {
	Fields []Entry `yaml:"fields"`
}

// Default parses the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog. Any structural problem is
// reported as INVALID_CATALOG; callers treat it as fatal at startup.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(fault.CodeInvalidCatalog, err, "decode catalog")
	}
	if len(doc.Fields) == 0 {
		return nil, fault.New(fault.CodeInvalidCatalog, "catalog has no fields")
	}

	c := &Catalog{
		entries: make(map[Field]*Entry, len(doc.Fields)),
		aliases: make(map[string]Field),
	}
	for i := range doc.Fields {
		e := doc.Fields[i]
		if err := validateEntry(&e); err != nil {
			return nil, err
		}
		if _, dup := c.entries[e.Field]; dup {
			return nil, fault.New(fault.CodeInvalidCatalog, "field %q listed twice", e.Field)
		}
		c.entries[e.Field] = &e
		c.order = append(c.order, e.Field)

		names := append([]string{string(e.Field), e.Name}, e.Aliases...)
		for _, name := range names {
			key := Normalize(name)
			if key == "" {
				continue
			}
			if owner, ok := c.aliases[key]; ok && owner != e.Field {
				return nil, fault.New(fault.CodeInvalidCatalog, "alias %q claimed by %q and %q", name, owner, e.Field)
			}
			c.aliases[key] = e.Field
		}
	}
	return c, nil
}

func validateEntry(e *Entry) error {
	if !e.Field.Known() {
		return fault.New(fault.CodeInvalidCatalog, "unknown field %q", e.Field)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fault.New(fault.CodeInvalidCatalog, "field %q has no display name", e.Field)
	}
	if len(e.Facts) == 0 {
		return fault.New(fault.CodeInvalidCatalog, "field %q has no facts", e.Field)
	}
	if err := checkKeywords(e.Cues); err != nil {
		return fault.Wrap(fault.CodeInvalidCatalog, err, "field %q cues", e.Field)
	}

	seen := make(map[string]bool, len(e.Facts))
	for _, f := range e.Facts {
		if f.Key == "" {
			return fault.New(fault.CodeInvalidCatalog, "field %q has a fact without key", e.Field)
		}
		if seen[f.Key] {
			return fault.New(fault.CodeInvalidCatalog, "field %q repeats fact %q", e.Field, f.Key)
		}
		seen[f.Key] = true

		if f.Importance != ImportanceHigh && f.Importance != ImportanceMedium {
			return fault.New(fault.CodeInvalidCatalog, "fact %s.%s has importance %q", e.Field, f.Key, f.Importance)
		}
		if len(f.Keywords) == 0 {
			return fault.New(fault.CodeInvalidCatalog, "fact %s.%s has no keywords", e.Field, f.Key)
		}
		if err := checkKeywords(f.Keywords); err != nil {
			return fault.Wrap(fault.CodeInvalidCatalog, err, "fact %s.%s", e.Field, f.Key)
		}
	}
	return nil
}

func checkKeywords(keywords []string) error {
	for _, kw := range keywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("empty keyword")
		}
		if kw != strings.ToLower(kw) {
			return fmt.Errorf("keyword %q is not lower-case", kw)
		}
	}
	return nil
}

func (c *Catalog) Entry(f Field) (*Entry, bool) {
	e, ok := c.entries[f]
	return e, ok
}

// Fields returns the catalog's fields in file order.
func (c *Catalog) Fields() []Field {
	out := make([]Field, len(c.order))
	copy(out, c.order)
	return out
}

// DisplayName returns the entry's name, or the raw identifier when the field
// is not in the catalog.
func (c *Catalog) DisplayName(f Field) string {
	if e, ok := c.entries[f]; ok {
		return e.Name
	}
	return string(f)
}

// Resolve maps a free-text field label (as produced by a classifier or typed
// by an operator) onto a catalog field.
func (c *Catalog) Resolve(label string) (Field, bool) {
	key := Normalize(label)
	if key == "" {
		return "", false
	}
	if f, ok := c.aliases[key]; ok {
		return f, true
	}
	stripped := stripFieldPrefixes(key)
	if f, ok := c.aliases[stripped]; ok {
		return f, true
	}
	return "", false
}

// A transform.Chain keeps per-call buffers, so each Normalize builds its own.
func accentFolder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Normalize folds accents and case, replaces punctuation with spaces and
// collapses whitespace: "Direito do Trabalho." -> "direito do trabalho".
func Normalize(s string) string {
	folded, _, err := transform.String(accentFolder(), s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

var fieldPrefixes = []string{"area ", "direito ", "do ", "da ", "de ", "dos ", "das "}

func stripFieldPrefixes(s string) string {
	for changed := true; changed; {
		changed = false
		for _, p := range fieldPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimPrefix(s, p)
				changed = true
			}
		}
	}
	return s
}
