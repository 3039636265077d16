package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/telhawk-systems/threatmatch/internal/model"
)

// ReadNDJSON decodes a stream of JSON documents. Each value is either a raw
// document or a search hit with _id, _index and _source. Raw documents get
// an id from their position and index.
func ReadNDJSON(r io.Reader, index string) ([]model.Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var docs []model.Document
	for n := 1; ; n++ {
		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, fmt.Errorf("%w: document %d: %v", ErrQuery, n, err)
		}

		doc := model.Document{Index: index, Source: raw}
		if src, ok := raw["_source"].(map[string]interface{}); ok {
			doc.Source = src
			if id, ok := raw["_id"].(string); ok {
				doc.ID = id
			}
			if idx, ok := raw["_index"].(string); ok && idx != "" {
				doc.Index = idx
			}
		}
		if doc.ID == "" {
			doc.ID = fmt.Sprintf("%s-%d", index, n)
		}
		docs = append(docs, doc)
	}
}

// LoadNDJSONFile adds the documents in path to m and returns the indices
// they were stored under. The index defaults to the file name without
// extension.
func (m *Memory) LoadNDJSONFile(path, index string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if index == "" {
		index = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	docs, err := ReadNDJSON(f, index)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	// hits keep the index they came from
	byIndex := make(map[string][]model.Document)
	var order []string
	for _, d := range docs {
		if _, ok := byIndex[d.Index]; !ok {
			order = append(order, d.Index)
		}
		byIndex[d.Index] = append(byIndex[d.Index], d)
	}
	for _, idx := range order {
		m.Add(idx, byIndex[idx]...)
	}
	return order, nil
}
