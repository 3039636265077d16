package source

import "time"

// DefaultTimeField is the ECS timestamp field.
const DefaultTimeField = "@timestamp"

// BuildSearchBody renders q as an OpenSearch request body positioned after cursor.
// Results are sorted on the time field and then tiebreaker so search_after is stable.
func BuildSearchBody(q Query, cursor Cursor, tiebreaker string) map[string]interface{} {
	timeField := q.TimeField
	if timeField == "" {
		timeField = DefaultTimeField
	}

	filter := make([]interface{}, 0, len(q.Filters)+1)
	mustNot := make([]interface{}, 0)
	for _, f := range q.Filters {
		clause := filterClause(f)
		if f.Negate {
			mustNot = append(mustNot, clause)
		} else {
			filter = append(filter, clause)
		}
	}

	if !q.From.IsZero() || !q.To.IsZero() {
		bounds := map[string]interface{}{"format": "strict_date_optional_time"}
		if !q.From.IsZero() {
			bounds["gte"] = q.From.UTC().Format(time.RFC3339Nano)
		}
		if !q.To.IsZero() {
			bounds["lte"] = q.To.UTC().Format(time.RFC3339Nano)
		}
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{timeField: bounds},
		})
	}

	boolQuery := map[string]interface{}{}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	if len(q.AnyExists) > 0 {
		should := make([]interface{}, 0, len(q.AnyExists))
		for _, field := range q.AnyExists {
			should = append(should, map[string]interface{}{
				"exists": map[string]interface{}{"field": field},
			})
		}
		boolQuery["should"] = should
		boolQuery["minimum_should_match"] = 1
	}

	body := map[string]interface{}{
		"size": q.PageSize(),
		"sort": []interface{}{
			map[string]interface{}{timeField: map[string]interface{}{"order": "asc", "unmapped_type": "date"}},
			map[string]interface{}{tiebreaker: map[string]interface{}{"order": "asc"}},
		},
	}
	if len(boolQuery) > 0 {
		body["query"] = map[string]interface{}{"bool": boolQuery}
	} else {
		body["query"] = map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	if len(cursor) > 0 {
		body["search_after"] = []interface{}(cursor)
	}
	if len(q.Includes) > 0 {
		body["_source"] = map[string]interface{}{"includes": q.Includes}
	}
	return body
}

func filterClause(f Filter) map[string]interface{} {
	switch f.Op {
	case OpExists:
		return map[string]interface{}{"exists": map[string]interface{}{"field": f.Field}}
	case OpTerms:
		return map[string]interface{}{"terms": map[string]interface{}{f.Field: f.Values}}
	case OpPrefix:
		return map[string]interface{}{"prefix": map[string]interface{}{f.Field: f.Values[0]}}
	default:
		return map[string]interface{}{"term": map[string]interface{}{f.Field: f.Values[0]}}
	}
}
