package crypto

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON bytes: object keys sorted after NFC
// normalisation, nulls stripped from objects, numbers kept as written by
// encoding/json. Values are first passed through encoding/json so struct tags,
// time.Time and decimal amounts hash the same way they are persisted.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, generic, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type mapEntry struct {
	key   string
	value any
}

func writeValue(buf *bytes.Buffer, v any, stripNulls bool) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.Number:
		return writeJSONNumber(buf, value)
	case string:
		return writeString(buf, value)
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case map[string]any:
		return writeMap(buf, value, stripNulls)
	case []any:
		return writeSlice(buf, value, stripNulls)
	default:
		return ErrUnsupportedType
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func writeJSONNumber(buf *bytes.Buffer, n json.Number) error {
	if !hasFraction(n.String()) {
		value, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return ErrInvalidNumber
		}
		buf.WriteString(strconv.FormatInt(value, 10))
		return nil
	}
	value, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return ErrInvalidNumber
	}
	buf.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	return nil
}

func writeMap(buf *bytes.Buffer, m map[string]any, stripNulls bool) error {
	entries := make([]mapEntry, 0, len(m))
	seen := map[string]struct{}{}

	for key, val := range m {
		keyStr := norm.NFC.String(key)
		if _, ok := seen[keyStr]; ok {
			return ErrKeyCollision
		}
		seen[keyStr] = struct{}{}

		if stripNulls && val == nil {
			continue
		}
		entries = append(entries, mapEntry{key: keyStr, value: val})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})

	buf.WriteByte('{')
	for i, entry := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, entry.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, entry.value, stripNulls); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeSlice(buf *bytes.Buffer, items []any, stripNulls bool) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, item, stripNulls); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func hasFraction(s string) bool {
	for _, r := range s {
		if r == '.' || r == 'e' || r == 'E' {
			return true
		}
	}
	return false
}
