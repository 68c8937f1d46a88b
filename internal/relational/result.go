package relational

// Result is the native result of a statement on one instance. Results served from
// the cache are shared between callers and must not be modified.
type Result struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected"`
}

// Len returns the number of rows returned or affected.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	if r.Rows != nil {
		return len(r.Rows)
	}
	return int(r.RowsAffected)
}

// Maps returns the rows keyed by column name.
func (r *Result) Maps() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}
