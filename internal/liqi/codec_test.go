package liqi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObfuscateIsSelfInverse(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0x42, 0x99, 0x00, 0x7f, 0x80, 0x11, 0x22, 0x33}
	masked := Obfuscate(data)
	assert.NotEqual(t, data, masked)
	assert.Equal(t, data, Obfuscate(masked))
}

func TestObfuscateDependsOnLength(t *testing.T) {
	a := Obfuscate([]byte{0x10, 0x20})
	b := Obfuscate([]byte{0x10, 0x20, 0x30})
	assert.NotEqual(t, a[0], b[0])
}

func TestReqRoundTrip(t *testing.T) {
	schema := DefaultSchema()
	c := NewCodec(schema)

	body := map[string]any{
		"activityId": 250811,
		"type":       1,
		"tileList":   []int{42},
	}
	raw, err := c.BuildFrame(&Frame{
		Kind:   KindReq,
		MsgID:  77,
		Method: ".lq.Lobby.amuletActivityOperate",
		Body:   body,
	})
	require.NoError(t, err)
	require.Equal(t, byte(2), raw[0])
	// little-endian msg id
	assert.Equal(t, byte(77), raw[1])
	assert.Equal(t, byte(0), raw[2])

	f, err := c.ParseFrame(raw, true)
	require.NoError(t, err)
	assert.Equal(t, KindReq, f.Kind)
	assert.Equal(t, uint16(77), f.MsgID)
	assert.Equal(t, ".lq.Lobby.amuletActivityOperate", f.Method)
	assert.False(t, f.Opaque())
	assert.Equal(t, int64(250811), f.Body["activityId"])
	assert.Equal(t, int64(1), f.Body["type"])
	assert.Equal(t, []any{int64(42)}, f.Body["tileList"])

	last, seen := c.LastReqID()
	assert.True(t, seen)
	assert.Equal(t, uint16(77), last)
	assert.Equal(t, 1, c.PendingCount())
}

func TestResPairingConsumesPending(t *testing.T) {
	schema := DefaultSchema()
	c := NewCodec(schema)

	req, err := c.BuildFrame(&Frame{
		Kind: KindReq, MsgID: 5,
		Method: ".lq.Lobby.amuletActivityGiveup",
		Body:   map[string]any{"activityId": 250811},
	})
	require.NoError(t, err)
	_, err = c.ParseFrame(req, true)
	require.NoError(t, err)

	res, err := NewCodec(schema).BuildFrame(&Frame{
		Kind: KindRes, MsgID: 5,
		Method: ".lq.Lobby.amuletActivityGiveup",
		Body: map[string]any{
			"error": map[string]any{"code": 1004},
		},
	})
	require.NoError(t, err)

	f, err := c.ParseFrame(res, false)
	require.NoError(t, err)
	assert.Equal(t, KindRes, f.Kind)
	assert.Equal(t, ".lq.Lobby.amuletActivityGiveup", f.Method)
	assert.Equal(t, 1004, Int(Map(f.Body, "error"), "code", 0))
	assert.Equal(t, 0, c.PendingCount())
}

func TestResWithUnknownIDIsOpaque(t *testing.T) {
	schema := DefaultSchema()
	c := NewCodec(schema)

	res, err := NewCodec(schema).BuildFrame(&Frame{
		Kind: KindRes, MsgID: 9000,
		Method: ".lq.Lobby.amuletActivityGiveup",
		Body:   map[string]any{"error": map[string]any{"code": 2}},
	})
	require.NoError(t, err)

	f, err := c.ParseFrame(res, false)
	require.NoError(t, err)
	assert.True(t, f.Opaque())
	// method from the envelope is kept when present
	assert.Equal(t, ".lq.Lobby.amuletActivityGiveup", f.Method)
}

func TestResWithUnknownIDAndNoMethod(t *testing.T) {
	schema := DefaultSchema()
	c := NewCodec(schema)

	payload, err := schema.EncodeMessage("ResHeartbeat", map[string]any{})
	require.NoError(t, err)
	raw := []byte{3, 0x10, 0x00}
	raw = appendEnvelope(raw, "", payload)

	f, err := c.ParseFrame(raw, false)
	require.NoError(t, err)
	assert.Equal(t, UnknownResMethod, f.Method)
	assert.True(t, f.Opaque())
}

func TestNotifyXORRoundTrip(t *testing.T) {
	schema := DefaultSchema()
	c := NewCodec(schema)

	raw, err := c.BuildFrame(&Frame{
		Kind:   KindNotify,
		Method: ".lq.ActionPrototype",
		Body: map[string]any{
			"step": 3,
			"name": "ActionNewRound",
			"data": map[string]any{"chang": 1, "ju": 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, byte(1), raw[0])

	f, err := c.ParseFrame(raw, false)
	require.NoError(t, err)
	assert.Equal(t, KindNotify, f.Kind)
	assert.Equal(t, uint16(0), f.MsgID)
	inner := Map(f.Body, "data")
	require.NotNil(t, inner)
	assert.Equal(t, int64(1), inner["chang"])
	assert.Equal(t, int64(2), inner["ju"])
}

func TestNotifyUnknownTypeIsOpaqueAndRebuilds(t *testing.T) {
	schema := DefaultSchema()
	c := NewCodec(schema)

	payload := []byte{0x08, 0x05}
	raw := []byte{1}
	raw = appendEnvelope(raw, ".lq.NotifyNoSuchThing", payload)

	f, err := c.ParseFrame(raw, false)
	require.NoError(t, err)
	assert.True(t, f.Opaque())

	rebuilt, err := c.BuildFrame(f)
	require.NoError(t, err)
	assert.Equal(t, raw, rebuilt)
}

func TestAllocateInjectID(t *testing.T) {
	schema := DefaultSchema()

	t.Run("descends from last client id", func(t *testing.T) {
		c := NewCodec(schema)
		req, err := c.BuildFrame(&Frame{
			Kind: KindReq, MsgID: 100,
			Method: ".lq.Lobby.amuletActivityGiveup",
			Body:   map[string]any{"activityId": 250811},
		})
		require.NoError(t, err)
		_, err = c.ParseFrame(req, true)
		require.NoError(t, err)
		// 100 is pending but the candidate starts below it
		require.NoError(t, c.RegisterPending(99, ".lq.Lobby.amuletActivityGiveup"))
		require.NoError(t, c.RegisterPending(98, ".lq.Lobby.amuletActivityGiveup"))

		assert.Equal(t, uint16(97), c.AllocateInjectID())
	})

	t.Run("wraps below zero", func(t *testing.T) {
		c := NewCodec(schema)
		assert.Equal(t, uint16(0xFFFF), c.AllocateInjectID())
	})

	t.Run("uses final candidate when every probe is busy", func(t *testing.T) {
		c := NewCodec(schema)
		req, err := c.BuildFrame(&Frame{
			Kind: KindReq, MsgID: 200,
			Method: ".lq.Lobby.amuletActivityGiveup",
			Body:   map[string]any{"activityId": 250811},
		})
		require.NoError(t, err)
		_, err = c.ParseFrame(req, true)
		require.NoError(t, err)
		for i := 1; i <= injectIDProbeLimit; i++ {
			require.NoError(t, c.RegisterPending(200-uint16(i), ".lq.Lobby.amuletActivityGiveup"))
		}
		// id congestion never blocks an inject outright
		assert.Equal(t, uint16(200-injectIDProbeLimit), c.AllocateInjectID())
	})
}

func TestLastReqIDTracksClientOnly(t *testing.T) {
	c := NewCodec(DefaultSchema())
	raw, err := c.BuildFrame(&Frame{
		Kind: KindReq, MsgID: 77,
		Method: ".lq.Lobby.amuletActivityGiveup",
		Body:   map[string]any{"activityId": 250811},
	})
	require.NoError(t, err)

	_, err = c.ParseFrame(raw, false)
	require.NoError(t, err)
	_, seen := c.LastReqID()
	assert.False(t, seen)

	_, err = c.ParseFrame(raw, true)
	require.NoError(t, err)
	id, seen := c.LastReqID()
	assert.True(t, seen)
	assert.Equal(t, uint16(77), id)
}

func TestParseFrameErrors(t *testing.T) {
	c := NewCodec(DefaultSchema())

	_, err := c.ParseFrame(nil, true)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = c.ParseFrame([]byte{9, 0, 0}, true)
	assert.Error(t, err)

	_, err = c.ParseFrame([]byte{2, 1}, true)
	assert.Error(t, err)
}

func TestMapFieldRoundTrip(t *testing.T) {
	schema := DefaultSchema()

	enc, err := schema.EncodeMessage("AmuletGame", map[string]any{
		"stage": 3,
		"record": map[string]any{
			"maxLevel": 7,
			"maxCoin":  120,
		},
	})
	require.NoError(t, err)

	dec, err := schema.DecodeMessage("AmuletGame", enc)
	require.NoError(t, err)
	rec := Map(dec, "record")
	require.NotNil(t, rec)
	assert.Equal(t, int64(7), rec["maxLevel"])
	assert.Equal(t, int64(120), rec["maxCoin"])
}

func TestPatchHelpers(t *testing.T) {
	m := map[string]any{
		"hands":         map[string]any{"dirty": true, "value": []any{int64(1), int64(2)}},
		"desktopRemain": map[string]any{"dirty": true, "value": int64(30)},
		"stale":         map[string]any{"dirty": false},
	}
	hands, ok := PatchIntList(m, "hands")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, hands)

	remain, ok := PatchInt(m, "desktopRemain", 0)
	require.True(t, ok)
	assert.Equal(t, 30, remain)

	_, ok = PatchValue(m, "stale")
	assert.False(t, ok)

	_, ok = PatchValue(m, "missing")
	assert.False(t, ok)
}
