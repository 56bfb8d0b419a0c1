package aggregator

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrNonFiniteNumber = errors.New("canonical json: non-finite number")
	ErrNonStringMapKey = errors.New("canonical json: map key must be a string")
	ErrKeyCollision    = errors.New("canonical json: keys collide after normalization")
	ErrUnsupportedType = errors.New("canonical json: unsupported type")
)

// Canonicalize encodes v as canonical JSON: object keys sorted, strings NFC
// normalized, nulls dropped from objects, numbers in shortest round-trip form.
// v is first passed through encoding/json so struct tags apply.
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
	if err := writeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.Number:
		return writeNumber(buf, value)
	case string:
		return writeString(buf, value)
	case bool:
		buf.WriteString(strconv.FormatBool(value))
		return nil
	case map[string]any:
		return writeMap(buf, value)
	case []any:
		return writeSlice(buf, value)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}
	return ErrUnsupportedType
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		buf.WriteString(strconv.FormatUint(u, 10))
		return nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteNumber
	}
	if f == 0 {
		// -0 and 0 hash alike
		buf.WriteString("0")
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

type mapEntry struct {
	key   string
	value any
}

func writeMap(buf *bytes.Buffer, m map[string]any) error {
	entries := make([]mapEntry, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	for k, v := range m {
		key := norm.NFC.String(k)
		if _, ok := seen[key]; ok {
			return ErrKeyCollision
		}
		seen[key] = struct{}{}
		if v == nil {
			continue
		}
		entries = append(entries, mapEntry{key: key, value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, e.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, e.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeSlice(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
