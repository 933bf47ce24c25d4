package store

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// StringSlice stores a []string as a postgres TEXT[] literal or a JSON
// array, whichever the driver hands back, so one Go type serves both
// dialects without per-dialect model structs.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

func (s *StringSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	switch v := src.(type) {
	case string:
		return s.scanText(v)
	case []byte:
		return s.scanText(string(v))
	default:
		return fmt.Errorf("store: cannot scan %T into StringSlice", src)
	}
}

func (s *StringSlice) scanText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" || text == "[]" {
		*s = nil
		return nil
	}
	if strings.HasPrefix(text, "[") {
		var out []string
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return err
		}
		*s = out
		return nil
	}
	// postgres text[] literal: {a,b,c}
	text = strings.TrimPrefix(text, "{")
	text = strings.TrimSuffix(text, "}")
	if text == "" {
		*s = nil
		return nil
	}
	*s = strings.Split(text, ",")
	return nil
}

// Int64Slice is the int64 analogue of StringSlice, used for
// depends_on/derived_from foreign-key lists.
type Int64Slice []int64

func (s Int64Slice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]int64(s))
	return string(b), err
}

func (s *Int64Slice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var text string
	switch v := src.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("store: cannot scan %T into Int64Slice", src)
	}
	text = strings.TrimSpace(text)
	if text == "" || text == "[]" || text == "{}" {
		*s = nil
		return nil
	}
	if strings.HasPrefix(text, "[") {
		var out []int64
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return err
		}
		*s = out
		return nil
	}
	text = strings.TrimPrefix(text, "{")
	text = strings.TrimSuffix(text, "}")
	parts := strings.Split(text, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		var n int64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &n); err == nil {
			out = append(out, n)
		}
	}
	*s = out
	return nil
}

// JSONValue stores an arbitrary JSON document (procedure steps, trigger
// specs, entity properties, run metrics) portably across postgres
// JSONB and sqlite TEXT columns.
type JSONValue map[string]any

func (j JSONValue) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(j))
	return string(b), err
}

func (j *JSONValue) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	var text []byte
	switch v := src.(type) {
	case string:
		text = []byte(v)
	case []byte:
		text = v
	default:
		return fmt.Errorf("store: cannot scan %T into JSONValue", src)
	}
	if len(text) == 0 {
		*j = nil
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(text, &out); err != nil {
		return err
	}
	*j = out
	return nil
}

// JSONArray is JSONValue's list-shaped sibling, used for procedure
// steps.
type JSONArray []map[string]any

func (j JSONArray) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]map[string]any(j))
	return string(b), err
}

func (j *JSONArray) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	var text []byte
	switch v := src.(type) {
	case string:
		text = []byte(v)
	case []byte:
		text = v
	default:
		return fmt.Errorf("store: cannot scan %T into JSONArray", src)
	}
	if len(text) == 0 {
		*j = nil
		return nil
	}
	var out []map[string]any
	if err := json.Unmarshal(text, &out); err != nil {
		return err
	}
	*j = out
	return nil
}

// Vector stores an embedding. On postgres it round-trips through
// pgvector's `[1,2,3]` text format; on sqlite (no native vector type)
// it is packed as a little-endian float32 BLOB so brute-force cosine
// search (store/vector_sqlite.go) can decode it without a JSON
// parsing pass per row.
type Vector []float32

func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	switch raw := src.(type) {
	case []byte:
		if len(raw) > 0 && raw[0] == '[' {
			return v.scanPgvectorText(string(raw))
		}
		return v.scanBinary(raw)
	case string:
		return v.scanPgvectorText(raw)
	default:
		return fmt.Errorf("store: cannot scan %T into Vector", src)
	}
}

func (v *Vector) scanPgvectorText(text string) error {
	text = strings.Trim(text, "[]")
	if text == "" {
		*v = nil
		return nil
	}
	parts := strings.Split(text, ",")
	out := make(Vector, 0, len(parts))
	for _, p := range parts {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &f); err != nil {
			return err
		}
		out = append(out, float32(f))
	}
	*v = out
	return nil
}

func (v *Vector) scanBinary(raw []byte) error {
	if len(raw)%4 != 0 {
		return fmt.Errorf("store: vector blob length %d not a multiple of 4", len(raw))
	}
	out := make(Vector, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	*v = out
	return nil
}

// PgvectorLiteral renders v in pgvector's `[1,2,3]` text format for use
// in raw SQL (e.g. the <-> distance operator in vector_search).
func (v Vector) PgvectorLiteral() string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
