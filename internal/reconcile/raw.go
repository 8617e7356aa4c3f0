// Package reconcile turns raw backend records into the canonical entities the
// rest of the engine works with. Nothing outside this package looks at backend
// field names.
package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Raw is one decoded JSON object as the backend sent it.
type Raw map[string]any

var envelopeKeys = []string{"data", "items", "results", "records", "rows"}

// Records decodes a list payload. It accepts a bare array, an object envelope
// carrying the array, or a single object.
func Records(payload []byte) ([]Raw, error) {
	value, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return records(value, 0), nil
}

// Record decodes a single-object payload, unwrapping a data envelope if present.
func Record(payload []byte) (Raw, error) {
	value, err := decode(payload)
	if err != nil {
		return nil, err
	}
	obj, ok := value.(map[string]any)
	if !ok {
		if list := records(value, 0); len(list) > 0 {
			return list[0], nil
		}
		return nil, nil
	}
	if inner, ok := obj["data"].(map[string]any); ok && len(obj) <= 3 {
		return Raw(inner), nil
	}
	return Raw(obj), nil
}

// ToRaw re-encodes a canonical value as a Raw record.
func ToRaw(v any) (Raw, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Record(data)
}

func decode(payload []byte) (any, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return value, nil
}

func records(value any, depth int) []Raw {
	switch v := value.(type) {
	case []any:
		out := make([]Raw, 0, len(v))
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, Raw(obj))
			}
		}
		return out
	case map[string]any:
		if depth < 2 {
			for _, key := range envelopeKeys {
				if inner, ok := v[key]; ok && inner != nil {
					return records(inner, depth+1)
				}
			}
			var only []any
			arrays := 0
			for _, inner := range v {
				if list, ok := inner.([]any); ok {
					only = list
					arrays++
				}
			}
			if arrays == 1 && isEnvelopeList(only, Raw(v)) {
				return records(only, depth+1)
			}
			if arrays == 0 && pageMetadataOnly(v) {
				return nil
			}
		}
		return []Raw{Raw(v)}
	default:
		return nil
	}
}

// isEnvelopeList reports whether list, the only array in obj, is the payload
// of an envelope such as {"messages": [...], "total": 3} rather than a list
// field of a single record. Records carry an id; envelopes do not.
func isEnvelopeList(list []any, obj Raw) bool {
	if _, ok := obj.lookup("id", "_id"); ok {
		return false
	}
	if len(list) == 0 {
		return true
	}
	_, ok := list[0].(map[string]any)
	return ok
}

var pageKeys = map[string]bool{
	"total": true, "totalcount": true, "count": true, "page": true, "pages": true,
	"totalpages": true, "pagesize": true, "perpage": true, "limit": true, "offset": true,
	"next": true, "previous": true, "prev": true, "cursor": true, "nextcursor": true, "hasmore": true,
}

// pageMetadataOnly reports whether obj holds nothing but paging fields, as an
// envelope does when the backend omits an empty list.
func pageMetadataOnly(obj map[string]any) bool {
	for key := range obj {
		if !pageKeys[foldKey(key)] {
			return false
		}
	}
	return true
}

func foldKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		switch r {
		case '_', '-', ' ', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lookup returns the first non-null value for any of keys. Exact matches win
// over case/underscore-folded ones so a record carrying both spellings stays
// deterministic.
func (r Raw) lookup(keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := r[key]; ok && v != nil {
			return v, true
		}
	}
	for _, key := range keys {
		want := foldKey(key)
		for k, v := range r {
			if v != nil && foldKey(k) == want {
				return v, true
			}
		}
	}
	return nil, false
}

func (r Raw) String(keys ...string) string {
	v, ok := r.lookup(keys...)
	if !ok {
		return ""
	}
	return scalarString(v)
}

func (r Raw) Float(keys ...string) float64 {
	v, ok := r.lookup(keys...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func (r Raw) Int(keys ...string) int {
	return int(r.Float(keys...))
}

// Bool reports the flag at keys; fallback is used when it is absent.
func (r Raw) Bool(fallback bool, keys ...string) bool {
	v, ok := r.lookup(keys...)
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "t":
			return true
		case "false", "0", "no", "n", "f", "":
			return false
		}
	}
	return fallback
}

func (r Raw) Object(keys ...string) Raw {
	v, ok := r.lookup(keys...)
	if !ok {
		return nil
	}
	if obj, ok := v.(map[string]any); ok {
		return Raw(obj)
	}
	return nil
}

func (r Raw) Time(keys ...string) time.Time {
	v, ok := r.lookup(keys...)
	if !ok {
		return time.Time{}
	}
	return parseTime(v)
}

func (r Raw) List(keys ...string) []string {
	v, ok := r.lookup(keys...)
	if !ok {
		return nil
	}
	return splitList(v)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return time.Time{}
			}
			n = int64(f)
		}
		return unixTime(n)
	case float64:
		return unixTime(int64(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				if ts.IsZero() {
					return time.Time{}
				}
				return ts.UTC()
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n)
		}
	}
	return time.Time{}
}

// unixTime treats values beyond year 33658 in seconds as milliseconds.
func unixTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func splitList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, item := range t {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "[") {
			var decoded []any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return splitList(decoded)
			}
		}
		parts := strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || r == ';' || r == '|' || r == '\n'
		})
		for _, part := range parts {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
