package convert

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/buger/jsonparser"

	"regionsync/internal/crdt"
	"regionsync/internal/domain"
)

// parseAgainst renders the source fields as a JSON document and reads it back field by
// field through the target schema. Extra source fields are ignored; absent optional
// fields take their default. Deletes only carry the key.
func parseAgainst(src domain.Row, op domain.OpType, target *domain.Table) (map[string]any, error) {
	doc, err := json.Marshal(src.Fields)
	if err != nil {
		return nil, fmt.Errorf("serialize source row: %w", err)
	}
	out := make(map[string]any, len(target.Fields))
	for _, f := range target.Fields {
		key := isKey(f.Name, target.PrimaryKey)
		if op == domain.OpDelete && !key {
			continue
		}
		raw, vt, _, err := jsonparser.Get(doc, f.Name)
		if errors.Is(err, jsonparser.KeyPathNotFoundError) || vt == jsonparser.NotExist {
			switch {
			case key:
				return nil, fmt.Errorf("key field %q missing", f.Name)
			case f.Counter:
				out[f.Name] = crdt.Counter{}
			case f.Default != nil:
				out[f.Name] = f.Default
			case f.Optional:
			default:
				return nil, fmt.Errorf("required field %q missing", f.Name)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		v, err := coerce(raw, vt, f)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

func coerce(raw []byte, vt jsonparser.ValueType, f domain.Field) (any, error) {
	if vt == jsonparser.Null {
		if !f.Optional && f.Default == nil && !f.Counter {
			return nil, errors.New("null in required field")
		}
		return f.Default, nil
	}
	switch f.Type {
	case domain.TypeInteger, domain.TypeLong:
		if vt != jsonparser.Number {
			return nil, fmt.Errorf("%s field holds %s", f.Type, vt)
		}
		n, err := jsonparser.ParseInt(raw)
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", f.Type, err)
		}
		if f.Type == domain.TypeInteger && (n > math.MaxInt32 || n < math.MinInt32) {
			return nil, fmt.Errorf("value %d overflows integer", n)
		}
		return n, nil
	case domain.TypeNumber:
		if vt != jsonparser.Number {
			return nil, fmt.Errorf("number field holds %s", vt)
		}
		return jsonparser.ParseFloat(raw)
	case domain.TypeString:
		if vt != jsonparser.String {
			return nil, fmt.Errorf("string field holds %s", vt)
		}
		return jsonparser.ParseString(raw)
	case domain.TypeBoolean:
		if vt != jsonparser.Boolean {
			return nil, fmt.Errorf("boolean field holds %s", vt)
		}
		return jsonparser.ParseBoolean(raw)
	case domain.TypeBinary:
		if vt != jsonparser.String {
			return nil, fmt.Errorf("binary field holds %s", vt)
		}
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	case domain.TypeDocument:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported field type %d", f.Type)
	}
}

func isKey(name string, pk []string) bool {
	for _, k := range pk {
		if k == name {
			return true
		}
	}
	return false
}
