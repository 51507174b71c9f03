// Package types provides core data types for tailroute.
package types

import (
	"fmt"
	"strings"
)

// DefaultSeparator joins an entity name and a tail into a physical table name.
const DefaultSeparator = "_"

// DefaultTimeLayout is the layout used to turn time keys into tails (YYYYMMDD).
const DefaultTimeLayout = "20060102"

// Entity describes one logical entity that is partitioned across physical tables.
// Physical table names follow Name + Separator + tail.
type Entity struct {
	// Name is the base name, used as the physical table prefix
	Name string `json:"name" yaml:"name"`

	// Separator sits between Name and the tail
	Separator string `json:"separator" yaml:"separator"`

	// Template is the table whose schema new partitions are cloned from (defaults to Name)
	Template string `json:"template,omitempty" yaml:"template,omitempty"`

	// Schema is the catalog schema holding the tables; empty means the store default
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`

	// TimeLayout formats time.Time partition keys (defaults to YYYYMMDD)
	TimeLayout string `json:"time_layout,omitempty" yaml:"time_layout,omitempty"`
}

// NewEntity returns an entity with the default separator and layout.
func NewEntity(name string) Entity {
	return Entity{Name: name, Separator: DefaultSeparator, TimeLayout: DefaultTimeLayout}
}

// WithDefaults fills empty optional fields.
func (e Entity) WithDefaults() Entity {
	if e.Separator == "" {
		e.Separator = DefaultSeparator
	}
	if e.Template == "" {
		e.Template = e.Name
	}
	if e.TimeLayout == "" {
		e.TimeLayout = DefaultTimeLayout
	}
	return e
}

// Validate checks that the entity can be used to build table names.
func (e Entity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity: name must not be empty")
	}
	if e.Separator == "" {
		return fmt.Errorf("entity %q: separator must not be empty", e.Name)
	}
	if !validIdentifier(e.Name) {
		return fmt.Errorf("entity %q: name contains invalid characters", e.Name)
	}
	if !validIdentifier(e.Separator) {
		return fmt.Errorf("entity %q: separator %q contains invalid characters", e.Name, e.Separator)
	}
	if e.Template != "" && !validIdentifier(e.Template) {
		return fmt.Errorf("entity %q: template %q contains invalid characters", e.Name, e.Template)
	}
	return nil
}

// Prefix returns Name + Separator.
func (e Entity) Prefix() string {
	return e.Name + e.Separator
}

// TableName returns the physical table name for a tail.
func (e Entity) TableName(tail string) string {
	return e.Prefix() + tail
}

// TailOf extracts the tail from a physical table name.
// Matching is case-insensitive; ok is false if the table does not belong to the entity.
func (e Entity) TailOf(table string) (string, bool) {
	prefix := e.Prefix()
	if len(table) <= len(prefix) {
		return "", false
	}
	if !strings.EqualFold(table[:len(prefix)], prefix) {
		return "", false
	}
	tail := NormalizeTail(table[len(prefix):])
	if tail == "" {
		return "", false
	}
	return tail, true
}

// String returns the entity name.
func (e Entity) String() string {
	return e.Name
}

// validIdentifier allows letters, digits, '_', '$' and '-'.
func validIdentifier(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '$', c == '-':
		default:
			return false
		}
	}
	return true
}
