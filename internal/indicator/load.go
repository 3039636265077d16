package indicator

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

// LoadRequest selects the indicators to index.
type LoadRequest struct {
	Indices       []string
	Query         source.Query
	MaxIndicators int
	// OnPage, if set, is called after each page with its document count.
	OnPage func(page, documents int)
}

// Load drains every indicator page from src and indexes the result. Any fetch
// error aborts the load: a partial index would silently miss matches. When
// MaxIndicators is reached, loading stops and the index reports Truncated.
func Load(ctx context.Context, src source.Source, decoder *Decoder, keyer match.Keyer, req LoadRequest) (*Index, error) {
	b := NewBuilder(keyer, req.MaxIndicators)

	var (
		cursor source.Cursor
		pages  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := src.FetchPage(ctx, req.Indices, req.Query, cursor)
		if err != nil {
			return nil, fmt.Errorf("indicator page %d: %w", pages+1, err)
		}
		pages++
		if req.OnPage != nil {
			req.OnPage(pages, len(page.Documents))
		}

		full := false
		for _, doc := range page.Documents {
			ind, ok := decoder.Decode(doc)
			if !ok {
				b.Skip()
				continue
			}
			if !b.Add(ind) {
				full = true
				break
			}
		}
		if full || page.Next == nil {
			break
		}
		cursor = page.Next
	}

	ix := b.Build()
	ix.pages = pages
	return ix, nil
}
