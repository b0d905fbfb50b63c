// Package liqi implements the wire dialect spoken between the game client and
// the lobby server: length-prefixed protobuf envelopes with a one-byte frame
// kind, little-endian message ids on request/response frames, and an XOR
// obfuscation layer on notify payloads.
//
// Message layouts are not generated code; they are described by a JSON schema
// document (see liqi.json) and decoded generically with protowire. This keeps
// the codec resilient to server-side additions: unknown methods and unknown
// response ids degrade to opaque bodies instead of hard failures.
package liqi

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed liqi.json
var builtinSchema []byte

// FieldKind is the decode strategy for a schema field.
type FieldKind string

const (
	KindUint32  FieldKind = "uint32"
	KindInt32   FieldKind = "int32"
	KindBool    FieldKind = "bool"
	KindString  FieldKind = "string"
	KindBytes   FieldKind = "bytes"
	KindMessage FieldKind = "message"
	// KindMap is a protobuf map<string, V>. The value type is the field's
	// Message name when set, otherwise uint32.
	KindMap FieldKind = "map"
)

// Field describes one protobuf field of a message.
type Field struct {
	Name     string    `json:"name"`
	Num      int32     `json:"id"`
	Kind     FieldKind `json:"kind"`
	Repeated bool      `json:"repeated,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Message is an ordered field list; order matters for deterministic encoding.
type Message struct {
	Fields []Field `json:"fields"`
}

// Method binds an RPC method name to its request and response message types.
type Method struct {
	Request  string `json:"request"`
	Response string `json:"response"`
}

// Schema is the full wire dictionary: RPC methods plus message layouts.
type Schema struct {
	Methods  map[string]Method  `json:"methods"`
	Messages map[string]Message `json:"messages"`
}

// LoadSchema parses a schema document.
func LoadSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for name, msg := range s.Messages {
		seen := make(map[int32]bool, len(msg.Fields))
		for _, f := range msg.Fields {
			if f.Num <= 0 {
				return nil, fmt.Errorf("schema message %s: field %s has invalid number %d", name, f.Name, f.Num)
			}
			if seen[f.Num] {
				return nil, fmt.Errorf("schema message %s: duplicate field number %d", name, f.Num)
			}
			seen[f.Num] = true
			if (f.Kind == KindMessage || f.Kind == KindMap) && f.Message != "" {
				if _, ok := s.Messages[f.Message]; !ok {
					return nil, fmt.Errorf("schema message %s: field %s references unknown type %s", name, f.Name, f.Message)
				}
			}
		}
	}
	return &s, nil
}

// DefaultSchema loads the embedded dictionary. It panics on a corrupt embed,
// which can only happen at build time.
func DefaultSchema() *Schema {
	s, err := LoadSchema(builtinSchema)
	if err != nil {
		panic(fmt.Sprintf("liqi: embedded schema invalid: %v", err))
	}
	return s
}

// MethodFor returns the request/response binding for an RPC method name.
func (s *Schema) MethodFor(method string) (Method, bool) {
	m, ok := s.Methods[method]
	return m, ok
}

// NotifyMessage resolves the outer message type of a notify method, which is
// named by the last dot-separated segment of the method string.
func (s *Schema) NotifyMessage(method string) (string, bool) {
	name := method
	if i := strings.LastIndexByte(method, '.'); i >= 0 {
		name = method[i+1:]
	}
	_, ok := s.Messages[name]
	return name, ok
}

func (s *Schema) message(name string) (Message, bool) {
	m, ok := s.Messages[name]
	return m, ok
}
