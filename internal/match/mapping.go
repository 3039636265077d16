// Package match decides whether an event matches a threat indicator.
package match

import (
	"fmt"
	"strings"

	"github.com/telhawk-systems/threatmatch/internal/model"
)

// FieldMapping ties indicators of some types to the event fields that may
// carry the same observable.
type FieldMapping struct {
	Name string `mapstructure:"name" json:"name" yaml:"name"`
	// IndicatorTypes the mapping applies to. Empty applies to every type.
	IndicatorTypes []string `mapstructure:"indicator_types" json:"indicator_types" yaml:"indicator_types"`
	// IndicatorFields hold the observable in the indicator document.
	IndicatorFields []string `mapstructure:"indicator_fields" json:"indicator_fields" yaml:"indicator_fields"`
	// EventFields are compared against the indicator's values.
	EventFields []string `mapstructure:"event_fields" json:"event_fields" yaml:"event_fields"`
}

// Validate checks the mapping is named and names at least one event field.
func (m FieldMapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("mapping name is required")
	}
	if len(m.EventFields) == 0 {
		return fmt.Errorf("mapping %q: at least one event field is required", m.Name)
	}
	return nil
}

// AppliesTo reports whether indicators of type t use this mapping.
func (m FieldMapping) AppliesTo(t string) bool {
	if len(m.IndicatorTypes) == 0 {
		return true
	}
	for _, it := range m.IndicatorTypes {
		if strings.EqualFold(it, t) {
			return true
		}
	}
	return false
}

// DefaultMappings cover the ECS threat indicator types.
func DefaultMappings() []FieldMapping {
	return []FieldMapping{
		{
			Name:            "ip",
			IndicatorTypes:  []string{"ipv4-addr", "ipv6-addr", "ip"},
			IndicatorFields: []string{"threat.indicator.ip"},
			EventFields:     []string{"source.ip", "destination.ip", "client.ip", "server.ip", "host.ip"},
		},
		{
			Name:            "domain",
			IndicatorTypes:  []string{"domain-name", "domain"},
			IndicatorFields: []string{"threat.indicator.url.domain", "threat.indicator.domain"},
			EventFields:     []string{"url.domain", "destination.domain", "dns.question.name"},
		},
		{
			Name:            "url",
			IndicatorTypes:  []string{"url"},
			IndicatorFields: []string{"threat.indicator.url.full", "threat.indicator.url.original"},
			EventFields:     []string{"url.full", "url.original"},
		},
		{
			Name:           "file",
			IndicatorTypes: []string{"file"},
			IndicatorFields: []string{
				"threat.indicator.file.hash.sha256",
				"threat.indicator.file.hash.sha1",
				"threat.indicator.file.hash.md5",
			},
			EventFields: []string{
				"file.hash.sha256", "file.hash.sha1", "file.hash.md5",
				"process.hash.sha256", "process.hash.sha1", "process.hash.md5",
			},
		},
		{
			Name:            "email",
			IndicatorTypes:  []string{"email-addr", "email"},
			IndicatorFields: []string{"threat.indicator.email.address"},
			EventFields:     []string{"email.from.address", "email.to.address", "user.email"},
		},
	}
}

// EventFields returns the distinct event fields across mappings, in order.
func EventFields(mappings []FieldMapping) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range mappings {
		for _, f := range m.EventFields {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// IndicatorFields returns the distinct indicator fields across mappings, in order.
func IndicatorFields(mappings []FieldMapping) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range mappings {
		for _, f := range m.IndicatorFields {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// Candidate is an event value to look up, tagged with the field it came from.
type Candidate struct {
	Field string
	Value string
}

// Candidates returns every (field, value) pair of ev for the given fields.
func Candidates(ev *model.Event, fields []string) []Candidate {
	var out []Candidate
	for _, field := range fields {
		for _, v := range ev.Values(field) {
			out = append(out, Candidate{Field: field, Value: v})
		}
	}
	return out
}
