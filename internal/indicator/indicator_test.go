package indicator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/model"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

func tiDoc(id, typ, field, value string) model.Document {
	return model.Document{
		ID: id,
		Source: map[string]interface{}{
			"@timestamp": "2024-03-01T00:00:00Z",
			"threat": map[string]interface{}{
				"indicator": map[string]interface{}{
					"type":     typ,
					"provider": "abuse.ch",
					field:      value,
				},
			},
		},
	}
}

func TestUntypedIndicatorMatchesOnlyItsMappings(t *testing.T) {
	mappings := match.DefaultMappings()
	ind, ok := NewDecoder(mappings).Decode(model.Document{ID: "1", Index: "logs-ti", Source: map[string]interface{}{
		"threat.indicator.url.domain": "evil.example.com",
	}})
	require.True(t, ok)
	require.Empty(t, ind.Type)

	s, err := match.New(match.KindExact, mappings)
	require.NoError(t, err)

	ev := func(field string) *model.Event {
		return &model.Event{ID: "e", Index: "logs", Fields: map[string]interface{}{field: "evil.example.com"}}
	}
	assert.True(t, s.Matches(ev("dns.question.name"), ind))
	assert.True(t, s.Matches(ev("url.domain"), ind))
	assert.False(t, s.Matches(ev("user.email"), ind))
	assert.False(t, s.Matches(ev("url.original"), ind))
	assert.False(t, s.Matches(ev("source.ip"), ind))
}

func TestDecoderDecode(t *testing.T) {
	d := NewDecoder(match.DefaultMappings())

	t.Run("ip indicator", func(t *testing.T) {
		doc := tiDoc("1", "ipv4-addr", "ip", "1.2.3.4")
		doc.Index = "logs-ti_abusech"
		ind, ok := d.Decode(doc)
		require.True(t, ok)
		assert.Equal(t, "1", ind.ID)
		assert.Equal(t, "logs-ti_abusech", ind.Index)
		assert.Equal(t, "ipv4-addr", ind.Type)
		assert.Equal(t, []string{"1.2.3.4"}, ind.Values)
		assert.Equal(t, "abuse.ch", ind.Provider)
		assert.Equal(t, 2024, ind.Timestamp.Year())
	})

	t.Run("file indicator with several hashes", func(t *testing.T) {
		doc := model.Document{ID: "2", Source: map[string]interface{}{
			"threat.indicator.type":             "file",
			"threat.indicator.file.hash.sha256": "aa",
			"threat.indicator.file.hash.md5":    "bb",
		}}
		ind, ok := d.Decode(doc)
		require.True(t, ok)
		assert.Equal(t, []string{"aa", "bb"}, ind.Values)
	})

	t.Run("type without mapping", func(t *testing.T) {
		_, ok := d.Decode(tiDoc("3", "mutex", "ip", "1.2.3.4"))
		assert.False(t, ok)
	})

	t.Run("missing value", func(t *testing.T) {
		_, ok := d.Decode(model.Document{ID: "4", Source: map[string]interface{}{"threat.indicator.type": "url"}})
		assert.False(t, ok)
	})

	t.Run("untyped reads every mapping", func(t *testing.T) {
		ind, ok := d.Decode(model.Document{ID: "5", Source: map[string]interface{}{"threat.indicator.url.domain": "evil.example.com"}})
		require.True(t, ok)
		assert.Equal(t, []string{"evil.example.com"}, ind.Values)
		assert.Equal(t, []string{"domain"}, ind.Mappings)
	})

	t.Run("typed records its mapping", func(t *testing.T) {
		ind, ok := d.Decode(tiDoc("6", "ipv4-addr", "ip", "1.2.3.4"))
		require.True(t, ok)
		assert.Equal(t, []string{"ip"}, ind.Mappings)
	})

	assert.Contains(t, d.Fields(), "threat.indicator.ip")
	assert.Contains(t, d.Fields(), DefaultTypeField)
}

func TestIndexLookup(t *testing.T) {
	keyer := match.NewExact(match.DefaultMappings())
	a := &model.Indicator{ID: "a", Index: "ti", Type: "ip", Values: []string{"1.2.3.4"}}
	b := &model.Indicator{ID: "b", Index: "ti", Type: "ip", Values: []string{"1.2.3.4", "5.6.7.8"}}
	empty := &model.Indicator{ID: "c", Index: "ti", Type: "ip"}

	ix := Build(keyer, 0, a, b, a, empty)

	assert.Equal(t, 2, ix.Len(), "duplicate and empty indicators are not stored")
	assert.Equal(t, 2, ix.Keys())
	assert.Equal(t, 1, ix.Skipped())
	assert.False(t, ix.Truncated())
	assert.ElementsMatch(t, []*model.Indicator{a, b}, ix.Lookup("1.2.3.4"))
	assert.Equal(t, []*model.Indicator{b}, ix.Lookup("5.6.7.8"))
	assert.Nil(t, ix.Lookup("9.9.9.9"))
}

func TestIndexEmpty(t *testing.T) {
	ix := Build(match.NewExact(match.DefaultMappings()), 0)
	assert.Equal(t, 0, ix.Len())
	assert.Nil(t, ix.Lookup("1.2.3.4"))

	var nilIndex *Index
	assert.Nil(t, nilIndex.Lookup("1.2.3.4"))
}

func TestIndexCap(t *testing.T) {
	keyer := match.NewExact(match.DefaultMappings())
	var inds []*model.Indicator
	for i := 0; i < 10; i++ {
		inds = append(inds, &model.Indicator{ID: fmt.Sprint(i), Index: "ti", Values: []string{fmt.Sprintf("10.0.0.%d", i)}})
	}

	ix := Build(keyer, 4, inds...)
	assert.True(t, ix.Truncated())
	assert.Equal(t, 4, ix.Len())
	assert.NotNil(t, ix.Lookup("10.0.0.3"))
	assert.Nil(t, ix.Lookup("10.0.0.4"))

	exact := Build(keyer, 10, inds...)
	assert.False(t, exact.Truncated(), "a cap equal to the stream size does not truncate")
}

func TestIndexLookupWithGeneratedCorpus(t *testing.T) {
	gofakeit.Seed(42)
	keyer := match.NewExact(match.DefaultMappings())

	want := make(map[string]bool)
	b := NewBuilder(keyer, 0)
	for i := 0; i < 5000; i++ {
		ip := gofakeit.IPv4Address()
		want[ip] = true
		b.Add(&model.Indicator{ID: fmt.Sprint(i), Index: "ti", Type: "ipv4-addr", Values: []string{ip}})
	}
	ix := b.Build()

	for ip := range want {
		require.NotEmpty(t, ix.Lookup(ip), "indexed value %s must be found", ip)
	}
	assert.Nil(t, ix.Lookup("not-an-indicator"))
}

func TestLoad(t *testing.T) {
	mappings := match.DefaultMappings()
	src := source.NewMemory()
	for i := 0; i < 7; i++ {
		src.Add("logs-ti_abusech", tiDoc(fmt.Sprint(i), "ipv4-addr", "ip", fmt.Sprintf("10.0.0.%d", i)))
	}
	src.Add("logs-ti_abusech", tiDoc("bad", "ipv4-addr", "url", "no-ip-here"))

	var pages []int
	ix, err := Load(context.Background(), src, NewDecoder(mappings), match.NewExact(mappings), LoadRequest{
		Indices: []string{"logs-ti_*"},
		Query:   source.Query{Size: 3},
		OnPage:  func(page, docs int) { pages = append(pages, docs) },
	})
	require.NoError(t, err)

	assert.Equal(t, 7, ix.Len())
	assert.Equal(t, 1, ix.Skipped())
	assert.Equal(t, 3, ix.Pages())
	assert.Equal(t, []int{3, 3, 2}, pages)
	assert.Len(t, ix.Lookup("10.0.0.6"), 1)
}

func TestLoadStopsAtCap(t *testing.T) {
	mappings := match.DefaultMappings()
	src := source.NewMemory()
	for i := 0; i < 20; i++ {
		src.Add("ti", tiDoc(fmt.Sprint(i), "ipv4-addr", "ip", fmt.Sprintf("10.0.1.%d", i)))
	}

	ix, err := Load(context.Background(), src, NewDecoder(mappings), match.NewExact(mappings), LoadRequest{
		Indices:       []string{"ti"},
		Query:         source.Query{Size: 5},
		MaxIndicators: 8,
	})
	require.NoError(t, err)
	assert.True(t, ix.Truncated())
	assert.Equal(t, 8, ix.Len())
	assert.Equal(t, 2, src.Fetches(), "no pages are read past the cap")
}

func TestLoadFailsOnAnyPageError(t *testing.T) {
	mappings := match.DefaultMappings()
	src := source.NewMemory()
	for i := 0; i < 6; i++ {
		src.Add("ti", tiDoc(fmt.Sprint(i), "ipv4-addr", "ip", fmt.Sprintf("10.0.2.%d", i)))
	}
	src.FailPage([]string{"ti"}, 2, source.ErrSourceUnavailable)

	ix, err := Load(context.Background(), src, NewDecoder(mappings), match.NewExact(mappings), LoadRequest{
		Indices: []string{"ti"},
		Query:   source.Query{Size: 2},
	})
	require.Error(t, err)
	assert.Nil(t, ix)
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "indicator page 2")
}

func TestLoadHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Load(ctx, source.NewMemory(), NewDecoder(nil), match.NewExact(nil), LoadRequest{Indices: []string{"ti"}})
	assert.True(t, errors.Is(err, context.Canceled))
}
