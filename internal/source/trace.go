package source

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/telhawk-systems/threatmatch/internal/source"

// Traced records a span around every page fetch.
type Traced struct {
	next   Source
	tracer trace.Tracer
}

// NewTraced wraps next using the global tracer provider.
func NewTraced(next Source) *Traced {
	return &Traced{next: next, tracer: otel.Tracer(tracerName)}
}

// FetchPage implements Source.
func (t *Traced) FetchPage(ctx context.Context, indices []string, q Query, cursor Cursor) (*Page, error) {
	ctx, span := t.tracer.Start(ctx, "source.FetchPage", trace.WithAttributes(
		attribute.String("threatmatch.indices", strings.Join(indices, ",")),
		attribute.Int("threatmatch.page_size", q.PageSize()),
		attribute.Bool("threatmatch.first_page", len(cursor) == 0),
	))
	defer span.End()

	page, err := t.next.FetchPage(ctx, indices, q, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("threatmatch.documents", len(page.Documents)),
		attribute.Bool("threatmatch.last_page", page.Next == nil),
	)
	return page, nil
}

var _ Source = (*Traced)(nil)
