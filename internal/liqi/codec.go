package liqi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the one-byte frame discriminator at the head of every message.
type Kind byte

const (
	KindNotify Kind = 1
	KindReq    Kind = 2
	KindRes    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "Notify"
	case KindReq:
		return "Req"
	case KindRes:
		return "Res"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// RawBodyKey holds the undecoded payload when the schema cannot name the
// message type. A body with this key is opaque: it round-trips byte-for-byte
// but carries no decoded fields.
const RawBodyKey = "_raw"

// Frame is one parsed wire message. Body is the schema-decoded payload
// (generic map form), or an opaque {_raw: []byte} map when decoding was not
// possible. MsgID is meaningful only for Req and Res frames.
type Frame struct {
	Kind       Kind
	MsgID      uint16
	Method     string
	Body       map[string]any
	FromClient bool
	Raw        []byte
}

// Opaque reports whether the body failed schema decoding.
func (f *Frame) Opaque() bool {
	_, ok := f.Body[RawBodyKey]
	return ok
}

var ErrEmptyFrame = errors.New("empty frame")

// UnknownResMethod is the method placeholder for a response whose request was
// never observed on this connection.
const UnknownResMethod = "(unknown_res)"

const injectIDProbeLimit = 16

var obfuscationKey = [9]byte{0x84, 0x5e, 0x4e, 0x42, 0x39, 0xa2, 0x1f, 0x60, 0x1c}

// Obfuscate applies the notify payload XOR mask in place-free form. The mask
// depends on payload length and byte position, and is its own inverse.
func Obfuscate(data []byte) []byte {
	out := make([]byte, len(data))
	n := len(data)
	for i := range data {
		u := byte(((23 ^ n) + 5*i + int(obfuscationKey[i%len(obfuscationKey)])) & 0xFF)
		out[i] = data[i] ^ u
	}
	return out
}

type pendingRes struct {
	method   string
	respType string
}

// Codec tracks the per-connection wire state: the request/response pairing
// table and the last request id seen from the client. It is not safe for
// concurrent use; each connection owns exactly one Codec and drives it from
// that connection's relay goroutine.
type Codec struct {
	schema    *Schema
	respMap   map[uint16]pendingRes
	lastReqID uint16
	seenReq   bool
}

func NewCodec(schema *Schema) *Codec {
	return &Codec{
		schema:  schema,
		respMap: make(map[uint16]pendingRes),
	}
}

// LastReqID returns the most recent client request id and whether any request
// has been seen yet.
func (c *Codec) LastReqID() (uint16, bool) {
	return c.lastReqID, c.seenReq
}

// PendingCount returns the number of requests still awaiting a response.
func (c *Codec) PendingCount() int {
	return len(c.respMap)
}

// ParseFrame decodes a wire message. Req frames register their msg id in the
// pairing table; Res frames consume it. A Res with an unknown id decodes to
// an opaque body rather than failing, since responses to requests sent before
// the proxy attached are expected in normal operation.
func (c *Codec) ParseFrame(content []byte, fromClient bool) (*Frame, error) {
	if len(content) == 0 {
		return nil, ErrEmptyFrame
	}
	kind := Kind(content[0])
	var msgID uint16
	var envelope []byte
	switch kind {
	case KindNotify:
		envelope = content[1:]
	case KindReq, KindRes:
		if len(content) < 3 {
			return nil, fmt.Errorf("truncated %s frame: %d bytes", kind, len(content))
		}
		msgID = binary.LittleEndian.Uint16(content[1:3])
		envelope = content[3:]
	default:
		return nil, fmt.Errorf("unknown frame kind %d", content[0])
	}

	method, payload, err := splitEnvelope(envelope)
	if err != nil {
		return nil, fmt.Errorf("%s envelope: %w", kind, err)
	}

	f := &Frame{Kind: kind, MsgID: msgID, Method: method, FromClient: fromClient, Raw: content}
	switch kind {
	case KindNotify:
		f.Body = c.decodeNotify(method, payload)
	case KindReq:
		f.Body = c.decodeReq(msgID, method, payload)
		// the inject id allocator tracks the client's counter only
		if fromClient {
			c.lastReqID = msgID
			c.seenReq = true
		}
	case KindRes:
		f.Method, f.Body = c.decodeRes(msgID, method, payload)
	}
	return f, nil
}

// BuildFrame serializes a frame back to wire form.
func (c *Codec) BuildFrame(f *Frame) ([]byte, error) {
	switch f.Kind {
	case KindNotify:
		return c.composeNotify(f.Method, f.Body)
	case KindReq, KindRes:
		return c.composeReqRes(f)
	default:
		return nil, fmt.Errorf("unknown frame kind %d", byte(f.Kind))
	}
}

// AllocateInjectID picks a msg id for an injected request. Ids descend from
// just below the client's own counter so that injected traffic never collides
// with ids the client is about to use, skipping ids that still await a
// response. After the probe limit the final candidate is used even if busy;
// the waiter registry's duplicate check still guards the collision.
func (c *Codec) AllocateInjectID() uint16 {
	candidate := c.lastReqID - 1
	for i := 0; i < injectIDProbeLimit-1; i++ {
		if _, busy := c.respMap[candidate]; !busy {
			break
		}
		candidate--
	}
	return candidate
}

// RegisterPending records the request/response pairing for a request that did
// not travel the client parse path, such as an injected frame.
func (c *Codec) RegisterPending(msgID uint16, method string) error {
	m, ok := c.schema.MethodFor(method)
	if !ok {
		return fmt.Errorf("unknown method %q", method)
	}
	c.respMap[msgID] = pendingRes{method: method, respType: m.Response}
	return nil
}

func (c *Codec) decodeNotify(method string, payload []byte) map[string]any {
	name, ok := c.schema.NotifyMessage(method)
	if !ok {
		return opaque(payload)
	}
	body, err := c.schema.DecodeMessage(name, payload)
	if err != nil {
		return opaque(payload)
	}
	c.unwrapNotify(body)
	return body
}

// unwrapNotify de-obfuscates a nested action payload: a notify whose body
// carries a type name and a masked data blob gets the blob XOR-unmasked and
// decoded in place.
func (c *Codec) unwrapNotify(body map[string]any) {
	inner, _ := body["name"].(string)
	data, _ := body["data"].([]byte)
	if inner == "" || data == nil {
		return
	}
	if _, ok := c.schema.message(inner); !ok {
		return
	}
	decoded, err := c.schema.DecodeMessage(inner, Obfuscate(data))
	if err != nil {
		return
	}
	body["data"] = decoded
}

func (c *Codec) decodeReq(msgID uint16, method string, payload []byte) map[string]any {
	m, ok := c.schema.MethodFor(method)
	if !ok {
		return opaque(payload)
	}
	body, err := c.schema.DecodeMessage(m.Request, payload)
	if err != nil {
		return opaque(payload)
	}
	c.respMap[msgID] = pendingRes{method: method, respType: m.Response}
	return body
}

func (c *Codec) decodeRes(msgID uint16, method string, payload []byte) (string, map[string]any) {
	p, ok := c.respMap[msgID]
	if !ok {
		if method == "" {
			method = UnknownResMethod
		}
		return method, opaque(payload)
	}
	delete(c.respMap, msgID)
	body, err := c.schema.DecodeMessage(p.respType, payload)
	if err != nil {
		return p.method, opaque(payload)
	}
	return p.method, body
}

func (c *Codec) composeReqRes(f *Frame) ([]byte, error) {
	var payload []byte
	if raw, ok := f.Body[RawBodyKey].([]byte); ok {
		payload = raw
	} else {
		m, ok := c.schema.MethodFor(f.Method)
		if !ok {
			return nil, fmt.Errorf("unknown method %q", f.Method)
		}
		name := m.Request
		if f.Kind == KindRes {
			name = m.Response
		}
		var err error
		payload, err = c.schema.EncodeMessage(name, f.Body)
		if err != nil {
			return nil, err
		}
	}
	out := make([]byte, 3, 3+len(f.Method)+len(payload)+8)
	out[0] = byte(f.Kind)
	binary.LittleEndian.PutUint16(out[1:3], f.MsgID)
	return appendEnvelope(out, f.Method, payload), nil
}

func (c *Codec) composeNotify(method string, body map[string]any) ([]byte, error) {
	var payload []byte
	if raw, ok := body[RawBodyKey].([]byte); ok {
		payload = raw
	} else {
		name, ok := c.schema.NotifyMessage(method)
		if !ok {
			return nil, fmt.Errorf("unknown notify %q", method)
		}
		enc := body
		if inner, _ := body["name"].(string); inner != "" {
			if nested, ok := body["data"].(map[string]any); ok {
				innerEnc, err := c.schema.EncodeMessage(inner, nested)
				if err != nil {
					return nil, fmt.Errorf("nested %s: %w", inner, err)
				}
				enc = make(map[string]any, len(body))
				for k, v := range body {
					enc[k] = v
				}
				enc["data"] = Obfuscate(innerEnc)
			}
		}
		var err error
		payload, err = c.schema.EncodeMessage(name, enc)
		if err != nil {
			return nil, err
		}
	}
	out := make([]byte, 1, 1+len(method)+len(payload)+8)
	out[0] = byte(KindNotify)
	return appendEnvelope(out, method, payload), nil
}

// splitEnvelope pulls the method name (field 1) and payload (field 2) out of
// the outer protobuf envelope.
func splitEnvelope(envelope []byte) (string, []byte, error) {
	var method string
	var payload []byte
	b := envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return "", nil, fmt.Errorf("envelope field %d has wire type %d", num, typ)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			method = string(v)
		case 2:
			payload = v
		}
	}
	return method, payload, nil
}

func appendEnvelope(out []byte, method string, payload []byte) []byte {
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, method)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, payload)
	return out
}

func opaque(payload []byte) map[string]any {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return map[string]any{RawBodyKey: cp}
}
