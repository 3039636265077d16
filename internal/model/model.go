package model

import "time"

// Indicator is a known-bad observable read from a threat intelligence index.
// It is immutable once read.
type Indicator struct {
	ID         string                 `json:"id"`
	Index      string                 `json:"index"`
	Type       string                 `json:"type"`
	Values     []string               `json:"values"`
	Mappings   []string               `json:"mappings,omitempty"` // field mappings Values were read from
	Provider   string                 `json:"provider,omitempty"`
	Confidence string                 `json:"confidence,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Fields     map[string]interface{} `json:"-"`
}

// Key identifies the indicator across pages and scans.
func (i *Indicator) Key() string { return i.Index + "/" + i.ID }

// FromMapping reports whether the indicator's values came from mapping name.
func (i *Indicator) FromMapping(name string) bool {
	for _, m := range i.Mappings {
		if m == name {
			return true
		}
	}
	return false
}

// Event is an observed log record that may match indicators.
type Event struct {
	ID        string                 `json:"id"`
	Index     string                 `json:"index"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"-"`
}

// Key identifies the event across pages and scans.
func (e *Event) Key() string { return e.Index + "/" + e.ID }

// Values returns the event's values for a dotted field path.
func (e *Event) Values(field string) []string { return FieldValues(e.Fields, field) }

// EventFromDocument converts a search hit into an Event, reading its time from timeField.
func EventFromDocument(doc Document, timeField string) *Event {
	return &Event{
		ID:        doc.ID,
		Index:     doc.Index,
		Timestamp: ParseTime(doc.Source, timeField),
		Fields:    doc.Source,
	}
}

// Match pairs one event with one indicator it matched.
type Match struct {
	EventID        string    `json:"event_id"`
	EventIndex     string    `json:"event_index"`
	EventTime      time.Time `json:"event_time"`
	IndicatorID    string    `json:"indicator_id"`
	IndicatorIndex string    `json:"indicator_index"`
	IndicatorType  string    `json:"indicator_type"`
	Field          string    `json:"field"`
	Value          string    `json:"value"`
}

// PairKey is the (event, indicator) identity used for deduplication.
func (m Match) PairKey() string {
	return m.EventIndex + "/" + m.EventID + "|" + m.IndicatorIndex + "/" + m.IndicatorID
}
