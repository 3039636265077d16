package match

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/telhawk-systems/threatmatch/internal/model"
)

// Matcher decides whether an event matches an indicator. Implementations are
// pure: no I/O, and the same inputs always give the same answer.
type Matcher interface {
	Matches(ev *model.Event, ind *model.Indicator) bool
}

// Keyer normalizes values into lookup keys. An event value can only match an
// indicator if they share at least one key.
type Keyer interface {
	IndicatorKeys(ind *model.Indicator) []string
	EventKeys(value string) []string
}

// Strategy is a complete matching rule: predicate, keying and the event
// fields it reads.
type Strategy interface {
	Matcher
	Keyer

	// Fields lists the event fields the strategy reads.
	Fields() []string

	Name() string
}

// ValueMatcher reports whether the value found in one event field matches
// ind. Every strategy in this package implements it, and their Matches is
// defined in terms of it.
type ValueMatcher interface {
	MatchValue(field, value string, ind *model.Indicator) bool
}

// Locate picks the candidate that explains a match of ind. With a
// ValueMatcher the first accepted candidate wins; otherwise, or when none is
// accepted, the first candidate is returned.
func Locate(m Matcher, ind *model.Indicator, cands []Candidate) Candidate {
	if vm, ok := m.(ValueMatcher); ok {
		for _, c := range cands {
			if vm.MatchValue(c.Field, c.Value, ind) {
				return c
			}
		}
	}
	if len(cands) > 0 {
		return cands[0]
	}
	return Candidate{}
}

// Strategy names accepted by New.
const (
	KindExact           = "exact"
	KindCaseInsensitive = "case_insensitive"
	KindCIDR            = "cidr"
)

// Kinds lists the registered strategy names.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

var registry = map[string]func([]FieldMapping) Strategy{
	KindExact:           func(m []FieldMapping) Strategy { return NewExact(m) },
	KindCaseInsensitive: func(m []FieldMapping) Strategy { return NewCaseInsensitive(m) },
	KindCIDR:            func(m []FieldMapping) Strategy { return NewCIDR(m) },
}

// New returns the strategy registered under kind. An empty kind selects exact
// matching and empty mappings select DefaultMappings.
func New(kind string, mappings []FieldMapping) (Strategy, error) {
	if kind == "" {
		kind = KindExact
	}
	if kind == "fuzzy" {
		kind = KindCaseInsensitive
	}
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown match strategy %q (valid: %s)", kind, strings.Join(Kinds(), ", "))
	}
	if len(mappings) == 0 {
		mappings = DefaultMappings()
	}
	names := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if names[m.Name] {
			return nil, fmt.Errorf("duplicate mapping %q", m.Name)
		}
		names[m.Name] = true
	}
	return ctor(mappings), nil
}

// fieldSet answers which mappings read a given event field.
type fieldSet struct {
	mappings []FieldMapping
	fields   []string
	byField  map[string][]int
}

func newFieldSet(mappings []FieldMapping) fieldSet {
	fs := fieldSet{
		mappings: mappings,
		fields:   EventFields(mappings),
		byField:  make(map[string][]int),
	}
	for i, m := range mappings {
		for _, f := range m.EventFields {
			fs.byField[f] = append(fs.byField[f], i)
		}
	}
	return fs
}

// applies reports whether field is compared against ind. Typed indicators
// use the mappings for their type. Untyped indicators use the mappings their
// values were read from, or every mapping when that is unknown.
func (fs fieldSet) applies(field string, ind *model.Indicator) bool {
	for _, i := range fs.byField[field] {
		m := fs.mappings[i]
		switch {
		case ind.Type != "":
			if m.AppliesTo(ind.Type) {
				return true
			}
		case len(ind.Mappings) == 0 || ind.FromMapping(m.Name):
			return true
		}
	}
	return false
}

func (fs fieldSet) Fields() []string { return fs.fields }

func matchesAnyField(vm ValueMatcher, fields []string, ev *model.Event, ind *model.Indicator) bool {
	for _, field := range fields {
		for _, v := range ev.Values(field) {
			if vm.MatchValue(field, v, ind) {
				return true
			}
		}
	}
	return false
}

// Exact matches when an event value equals an indicator value after trimming
// surrounding whitespace.
type Exact struct {
	fieldSet
	normalize func(string) string
	name      string
}

// NewExact builds an exact strategy over mappings.
func NewExact(mappings []FieldMapping) *Exact {
	return &Exact{fieldSet: newFieldSet(mappings), normalize: strings.TrimSpace, name: KindExact}
}

// NewCaseInsensitive builds a strategy that ignores case and a trailing dot,
// so "EVIL.example.com." matches "evil.example.com".
func NewCaseInsensitive(mappings []FieldMapping) *Exact {
	return &Exact{fieldSet: newFieldSet(mappings), normalize: foldValue, name: KindCaseInsensitive}
}

func foldValue(v string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), ".")
}

func (e *Exact) Name() string { return e.name }

func (e *Exact) IndicatorKeys(ind *model.Indicator) []string {
	keys := make([]string, 0, len(ind.Values))
	for _, v := range ind.Values {
		if k := e.normalize(v); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (e *Exact) EventKeys(value string) []string {
	if k := e.normalize(value); k != "" {
		return []string{k}
	}
	return nil
}

func (e *Exact) MatchValue(field, value string, ind *model.Indicator) bool {
	if !e.applies(field, ind) {
		return false
	}
	v := e.normalize(value)
	if v == "" {
		return false
	}
	for _, iv := range ind.Values {
		if e.normalize(iv) == v {
			return true
		}
	}
	return false
}

func (e *Exact) Matches(ev *model.Event, ind *model.Indicator) bool {
	return matchesAnyField(e, e.fields, ev, ind)
}

// CIDR matches event addresses contained in indicator networks. Bare
// indicator addresses are single-host networks. Values that are not
// addresses fall back to exact comparison.
type CIDR struct {
	fieldSet
}

// NewCIDR builds a range strategy over mappings.
func NewCIDR(mappings []FieldMapping) *CIDR {
	return &CIDR{fieldSet: newFieldSet(mappings)}
}

func (c *CIDR) Name() string { return KindCIDR }

func parseNetwork(v string) (netip.Prefix, bool) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, false
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), true
	}
	addr, ok := parseAddr(v)
	if !ok {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

func parseAddr(v string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(v))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

func (c *CIDR) IndicatorKeys(ind *model.Indicator) []string {
	keys := make([]string, 0, len(ind.Values))
	for _, v := range ind.Values {
		if p, ok := parseNetwork(v); ok {
			keys = append(keys, p.String())
		} else if k := strings.TrimSpace(v); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// EventKeys returns one key per enclosing network of an address, from the
// host route up to the default route.
func (c *CIDR) EventKeys(value string) []string {
	addr, ok := parseAddr(value)
	if !ok {
		if k := strings.TrimSpace(value); k != "" {
			return []string{k}
		}
		return nil
	}
	keys := make([]string, 0, addr.BitLen()+1)
	for bits := addr.BitLen(); bits >= 0; bits-- {
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		keys = append(keys, p.String())
	}
	return keys
}

func (c *CIDR) MatchValue(field, value string, ind *model.Indicator) bool {
	if !c.applies(field, ind) {
		return false
	}
	addr, isAddr := parseAddr(value)
	trimmed := strings.TrimSpace(value)
	for _, iv := range ind.Values {
		if p, ok := parseNetwork(iv); ok {
			if isAddr && p.Contains(addr) {
				return true
			}
			continue
		}
		if trimmed != "" && strings.TrimSpace(iv) == trimmed {
			return true
		}
	}
	return false
}

func (c *CIDR) Matches(ev *model.Event, ind *model.Indicator) bool {
	return matchesAnyField(c, c.fields, ev, ind)
}

var (
	_ Strategy     = (*Exact)(nil)
	_ Strategy     = (*CIDR)(nil)
	_ ValueMatcher = (*Exact)(nil)
	_ ValueMatcher = (*CIDR)(nil)
)
