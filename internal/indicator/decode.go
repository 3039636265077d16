// Package indicator loads threat indicators and indexes them for lookup.
package indicator

import (
	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/model"
)

// ECS fields read from indicator documents.
const (
	DefaultTypeField       = "threat.indicator.type"
	DefaultProviderField   = "threat.indicator.provider"
	DefaultConfidenceField = "threat.indicator.confidence"
	DefaultTimeField       = "@timestamp"
)

// Decoder turns indicator documents into Indicators using field mappings.
type Decoder struct {
	mappings  []match.FieldMapping
	TypeField string
	TimeField string
}

// NewDecoder returns a Decoder reading values from the mappings' indicator fields.
func NewDecoder(mappings []match.FieldMapping) *Decoder {
	return &Decoder{mappings: mappings, TypeField: DefaultTypeField, TimeField: DefaultTimeField}
}

// Fields lists the document fields the decoder reads, for _source filtering.
func (d *Decoder) Fields() []string {
	fields := []string{d.TypeField, d.TimeField, DefaultProviderField, DefaultConfidenceField}
	return append(fields, match.IndicatorFields(d.mappings)...)
}

// Decode converts doc. ok is false when the document carries no indicator value
// for its type. The mappings that supplied values are recorded on the result.
func (d *Decoder) Decode(doc model.Document) (ind *model.Indicator, ok bool) {
	ind = &model.Indicator{
		ID:         doc.ID,
		Index:      doc.Index,
		Type:       model.FieldValue(doc.Source, d.TypeField),
		Provider:   model.FieldValue(doc.Source, DefaultProviderField),
		Confidence: model.FieldValue(doc.Source, DefaultConfidenceField),
		Timestamp:  model.ParseTime(doc.Source, d.TimeField),
		Fields:     doc.Source,
	}

	seen := make(map[string]struct{})
	for _, m := range d.mappings {
		if ind.Type != "" && !m.AppliesTo(ind.Type) {
			continue
		}
		found := false
		for _, f := range m.IndicatorFields {
			for _, v := range model.FieldValues(doc.Source, f) {
				found = true
				if _, dup := seen[v]; dup {
					continue
				}
				seen[v] = struct{}{}
				ind.Values = append(ind.Values, v)
			}
		}
		if found {
			ind.Mappings = append(ind.Mappings, m.Name)
		}
	}
	return ind, len(ind.Values) > 0
}
