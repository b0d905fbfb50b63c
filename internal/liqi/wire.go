package liqi

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeMessage decodes a protobuf payload into a generic map using the
// schema layout of msgName. Fields not present in the schema are skipped;
// fields not present on the wire are absent from the map.
func (s *Schema) DecodeMessage(msgName string, payload []byte) (map[string]any, error) {
	desc, ok := s.message(msgName)
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", msgName)
	}
	byNum := make(map[protowire.Number]Field, len(desc.Fields))
	for _, f := range desc.Fields {
		byNum[protowire.Number(f.Num)] = f
	}

	out := make(map[string]any)
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%s: bad tag: %w", msgName, protowire.ParseError(n))
		}
		b = b[n:]

		f, known := byNum[num]
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%s: field %d: %w", msgName, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%s.%s: %w", msgName, f.Name, protowire.ParseError(n))
			}
			b = b[n:]
			if err := storeVarint(out, f, v); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", msgName, f.Name, err)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%s.%s: %w", msgName, f.Name, protowire.ParseError(n))
			}
			b = b[n:]
			if err := s.storeBytes(out, f, v); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", msgName, f.Name, err)
			}
		default:
			return nil, fmt.Errorf("%s.%s: unsupported wire type %d", msgName, f.Name, typ)
		}
	}
	return out, nil
}

func storeVarint(out map[string]any, f Field, v uint64) error {
	var val any
	switch f.Kind {
	case KindBool:
		val = v != 0
	case KindUint32, KindInt32:
		val = int64(v)
	default:
		return fmt.Errorf("varint on %s field", f.Kind)
	}
	if f.Repeated {
		appendRepeated(out, f.Name, val)
	} else {
		out[f.Name] = val
	}
	return nil
}

func (s *Schema) storeBytes(out map[string]any, f Field, v []byte) error {
	switch f.Kind {
	case KindString:
		val := string(v)
		if f.Repeated {
			appendRepeated(out, f.Name, val)
		} else {
			out[f.Name] = val
		}
	case KindBytes:
		cp := make([]byte, len(v))
		copy(cp, v)
		if f.Repeated {
			appendRepeated(out, f.Name, cp)
		} else {
			out[f.Name] = cp
		}
	case KindMessage:
		sub, err := s.DecodeMessage(f.Message, v)
		if err != nil {
			return err
		}
		if f.Repeated {
			appendRepeated(out, f.Name, sub)
		} else {
			out[f.Name] = sub
		}
	case KindMap:
		key, val, err := s.decodeMapEntry(f, v)
		if err != nil {
			return err
		}
		m, _ := out[f.Name].(map[string]any)
		if m == nil {
			m = make(map[string]any)
			out[f.Name] = m
		}
		m[key] = val
	case KindUint32, KindInt32, KindBool:
		// packed repeated varints
		if !f.Repeated {
			return fmt.Errorf("length-delimited value on scalar %s field", f.Kind)
		}
		b := v
		for len(b) > 0 {
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if f.Kind == KindBool {
				appendRepeated(out, f.Name, x != 0)
			} else {
				appendRepeated(out, f.Name, int64(x))
			}
		}
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind)
	}
	return nil
}

// decodeMapEntry parses one map<string, V> entry: key field 1, value field 2.
func (s *Schema) decodeMapEntry(f Field, payload []byte) (string, any, error) {
	var key string
	var val any
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			k, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
			key = string(k)
		case num == 2 && typ == protowire.BytesType && f.Message != "":
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
			sub, err := s.DecodeMessage(f.Message, v)
			if err != nil {
				return "", nil, err
			}
			val = sub
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
			val = int64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return key, val, nil
}

// EncodeMessage serializes a generic map according to the schema layout of
// msgName. Absent and zero-valued scalars are omitted, matching proto3.
func (s *Schema) EncodeMessage(msgName string, body map[string]any) ([]byte, error) {
	desc, ok := s.message(msgName)
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", msgName)
	}
	var out []byte
	for _, f := range desc.Fields {
		raw, present := body[f.Name]
		if !present || raw == nil {
			continue
		}
		var err error
		out, err = s.encodeField(out, f, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", msgName, f.Name, err)
		}
	}
	return out, nil
}

func (s *Schema) encodeField(out []byte, f Field, raw any) ([]byte, error) {
	num := protowire.Number(f.Num)

	if f.Kind == KindMap {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("map field wants map[string]any, got %T", raw)
		}
		for k, v := range m {
			entry, err := s.encodeMapEntry(f, k, v)
			if err != nil {
				return nil, err
			}
			out = protowire.AppendTag(out, num, protowire.BytesType)
			out = protowire.AppendBytes(out, entry)
		}
		return out, nil
	}

	if f.Repeated {
		items, err := asSlice(raw)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			var e error
			out, e = s.encodeSingle(out, f, it)
			if e != nil {
				return nil, e
			}
		}
		return out, nil
	}
	return s.encodeSingle(out, f, raw)
}

func (s *Schema) encodeSingle(out []byte, f Field, raw any) ([]byte, error) {
	num := protowire.Number(f.Num)
	switch f.Kind {
	case KindUint32, KindInt32:
		v, err := asUint64(raw)
		if err != nil {
			return nil, err
		}
		if v == 0 && !f.Repeated {
			return out, nil
		}
		out = protowire.AppendTag(out, num, protowire.VarintType)
		out = protowire.AppendVarint(out, v)
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("bool field wants bool, got %T", raw)
		}
		if !b && !f.Repeated {
			return out, nil
		}
		out = protowire.AppendTag(out, num, protowire.VarintType)
		out = protowire.AppendVarint(out, boolBit(b))
	case KindString:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("string field wants string, got %T", raw)
		}
		if str == "" && !f.Repeated {
			return out, nil
		}
		out = protowire.AppendTag(out, num, protowire.BytesType)
		out = protowire.AppendString(out, str)
	case KindBytes:
		data, ok := raw.([]byte)
		if !ok {
			return nil, fmt.Errorf("bytes field wants []byte, got %T", raw)
		}
		if len(data) == 0 && !f.Repeated {
			return out, nil
		}
		out = protowire.AppendTag(out, num, protowire.BytesType)
		out = protowire.AppendBytes(out, data)
	case KindMessage:
		sub, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message field wants map[string]any, got %T", raw)
		}
		enc, err := s.EncodeMessage(f.Message, sub)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, num, protowire.BytesType)
		out = protowire.AppendBytes(out, enc)
	default:
		return nil, fmt.Errorf("unsupported kind %s", f.Kind)
	}
	return out, nil
}

func (s *Schema) encodeMapEntry(f Field, key string, val any) ([]byte, error) {
	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	if f.Message != "" {
		sub, ok := val.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("map value wants map[string]any, got %T", val)
		}
		enc, err := s.EncodeMessage(f.Message, sub)
		if err != nil {
			return nil, err
		}
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, enc)
		return entry, nil
	}
	v, err := asUint64(val)
	if err != nil {
		return nil, err
	}
	entry = protowire.AppendTag(entry, 2, protowire.VarintType)
	entry = protowire.AppendVarint(entry, v)
	return entry, nil
}

func appendRepeated(out map[string]any, name string, v any) {
	list, _ := out[name].([]any)
	out[name] = append(list, v)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func asSlice(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []int:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []int64:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	default:
		return nil, fmt.Errorf("repeated field wants a slice, got %T", raw)
	}
}

func asUint64(raw any) (uint64, error) {
	switch v := raw.(type) {
	case int:
		return uint64(uint32(v)), nil
	case int32:
		return uint64(uint32(v)), nil
	case int64:
		return uint64(uint32(v)), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float64:
		return uint64(uint32(int64(v))), nil
	default:
		return 0, fmt.Errorf("numeric field wants an integer, got %T", raw)
	}
}
