package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, len(original))
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	assert.NotNil(t, cloned)
	assert.Empty(t, cloned)
}

func TestWithAndNew(t *testing.T) {
	base := New(KeyCorrelationID, "abc", "dangling")
	assert.Equal(t, Metadata{KeyCorrelationID: "abc"}, base)

	enriched := base.With(KeyContentType, "application/json")
	assert.NotContains(t, base, KeyContentType)
	assert.Equal(t, "application/json", enriched[KeyContentType])
}

func TestFromHeaders(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	md := FromHeaders(map[string]any{
		"s":   "text",
		"b":   []byte("bytes"),
		"n":   int32(3),
		"t":   at,
		"nil": nil,
	})

	assert.Equal(t, "text", md["s"])
	assert.Equal(t, "bytes", md["b"])
	assert.Equal(t, "3", md["n"])
	assert.Equal(t, "2024-01-01T00:00:00Z", md["t"])
	assert.Equal(t, "", md["nil"])
}

func TestHeaderInt(t *testing.T) {
	headers := map[string]any{
		"i64": int64(4),
		"i32": int32(2),
		"u8":  uint8(1),
		"str": "7",
		"bad": "x",
		"f":   1.5,
	}

	for key, want := range map[string]int64{"i64": 4, "i32": 2, "u8": 1, "str": 7} {
		got, ok := HeaderInt(headers, key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	for _, key := range []string{"bad", "f", "missing"} {
		_, ok := HeaderInt(headers, key)
		assert.False(t, ok, key)
	}
}

func TestWatermillConversions(t *testing.T) {
	md := Metadata{"foo": "bar"}
	wm := ToWatermill(md)
	assert.Equal(t, message.Metadata{"foo": "bar"}, wm)

	back := FromWatermill(wm)
	assert.Equal(t, md, back)

	assert.NotNil(t, ToWatermill(nil))
	assert.NotNil(t, FromWatermill(nil))
	assert.Equal(t, map[string]any{"foo": "bar"}, ToHeaders(md))
}
