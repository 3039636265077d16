package source

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/threatmatch/internal/model"
)

// DefaultTiebreaker breaks ties between documents sharing a timestamp.
const DefaultTiebreaker = "_id"

// OpenSearchConfig configures the OpenSearch adapter.
type OpenSearchConfig struct {
	Addresses []string
	Username  string
	Password  string
	Insecure  bool

	// Tiebreaker is the secondary sort field. Defaults to _id.
	Tiebreaker string
	// RequestTimeout bounds a single page request. Zero means no extra bound.
	RequestTimeout time.Duration
}

// OpenSearch reads pages with search_after pagination.
type OpenSearch struct {
	client     *opensearch.Client
	tiebreaker string
	timeout    time.Duration
}

// NewOpenSearch builds a client for cfg. The client's own retry is disabled;
// wrap the adapter with NewRetrying to retry unavailable pages.
func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("opensearch address is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec // opt-in for self-signed dev clusters

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return NewOpenSearchFromClient(client, cfg.Tiebreaker, cfg.RequestTimeout), nil
}

// NewOpenSearchFromClient wraps an existing client.
func NewOpenSearchFromClient(client *opensearch.Client, tiebreaker string, timeout time.Duration) *OpenSearch {
	if tiebreaker == "" {
		tiebreaker = DefaultTiebreaker
	}
	return &OpenSearch{client: client, tiebreaker: tiebreaker, timeout: timeout}
}

// Ping checks the cluster answers.
func (s *OpenSearch) Ping(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return classifyStatus(res.StatusCode, res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string                 `json:"_id"`
			Index  string                 `json:"_index"`
			Source map[string]interface{} `json:"_source"`
			Sort   []interface{}          `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
	TimedOut bool `json:"timed_out"`
	Shards   struct {
		Failed int `json:"failed"`
	} `json:"_shards"`
}

// FetchPage implements Source.
func (s *OpenSearch) FetchPage(ctx context.Context, indices []string, q Query, cursor Cursor) (*Page, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: no indices given", ErrQuery)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(BuildSearchBody(q, cursor, s.tiebreaker)); err != nil {
		return nil, fmt.Errorf("%w: encode query: %v", ErrQuery, err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(indices...),
		s.client.Search.WithBody(&buf),
		s.client.Search.WithIgnoreUnavailable(true),
		s.client.Search.WithAllowNoIndices(true),
		s.client.Search.WithTrackTotalHits(false),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("search %s: %w", strings.Join(indices, ","), ctxErr)
		}
		return nil, fmt.Errorf("%w: search request: %w", ErrSourceUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, classifyStatus(res.StatusCode, res.String())
	}

	var parsed searchResponse
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrQuery, err)
	}

	page := &Page{Documents: make([]model.Document, 0, len(parsed.Hits.Hits))}
	var last []interface{}
	for _, hit := range parsed.Hits.Hits {
		page.Documents = append(page.Documents, model.Document{
			ID:     hit.ID,
			Index:  hit.Index,
			Source: hit.Source,
			Sort:   hit.Sort,
		})
		last = hit.Sort
	}

	if len(page.Documents) == q.PageSize() && len(last) > 0 {
		page.Next = Cursor(last)
	}
	return page, nil
}

func classifyStatus(status int, body string) error {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d: %s", ErrSourceUnavailable, status, body)
	}
	return fmt.Errorf("%w: status %d: %s", ErrQuery, status, body)
}

var _ Source = (*OpenSearch)(nil)
