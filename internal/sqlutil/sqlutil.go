// Package sqlutil holds helpers shared by the SQL adapters.
package sqlutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeExtensions renders event extensions for the metadata column. Empty maps are stored as NULL.
func EncodeExtensions(ext map[string]string) (sql.NullString, error) {
	if len(ext) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ext)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// DecodeExtensions parses the metadata column written by EncodeExtensions.
func DecodeExtensions(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var ext map[string]string
	if err := json.Unmarshal([]byte(raw.String), &ext); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return ext, nil
}

// Args collects query arguments and hands out placeholders for them.
type Args struct {
	values []any
	// Numbered selects $1, $2, ... placeholders; otherwise ? is used.
	Numbered bool
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	if a.Numbered {
		return fmt.Sprintf("$%d", len(a.values))
	}
	return "?"
}

// Values returns the collected arguments in order.
func (a *Args) Values() []any {
	return a.values
}

// Where joins non-empty predicates with AND.
func Where(preds ...string) string {
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(parts, " AND ")
}
