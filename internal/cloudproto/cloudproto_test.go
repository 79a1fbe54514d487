package cloudproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValueVerbatim(t *testing.T) {
	encoded := EncodeValue([]byte("plain-text"))
	assert.Equal(t, byte('V'), encoded[len(encoded)-1])

	decoded, err := DecodeValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, "plain-text", string(decoded))
}

func TestEncodeDecodeValueBinary(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff, '"', '\\'}
	encoded := EncodeValue(raw)
	assert.Equal(t, byte('B'), encoded[len(encoded)-1])

	decoded, err := DecodeValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestEncodeKeyEscapesIllegalChars(t *testing.T) {
	encoded := EncodeKey([]byte("a/b.c"))
	assert.Equal(t, byte('B'), encoded[len(encoded)-1])
}

func TestDecodeValueRejectsUnknownTrailer(t *testing.T) {
	_, err := DecodeValue("abcX")
	assert.Error(t, err)
}

func TestCommitBatchEncodeUsesServerTimestampPlaceholder(t *testing.T) {
	data, err := EncodeCommitBatch([]CommitRecord{
		{ID: "c1", Content: "body1"},
		{ID: "c2", Content: "body2"},
	})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)

	for _, entry := range raw {
		var decoded struct {
			Timestamp map[string]string `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(entry, &decoded))
		assert.Equal(t, "timestamp", decoded.Timestamp[".sv"])
	}
}

func TestDecodeCommitBatchOrdersByTimestampThenPosition(t *testing.T) {
	wire := map[string]wireCommit{
		"a": {ID: "c-late", Timestamp: json.RawMessage(`20`), BatchPosition: 0},
		"b": {ID: "c-early-1", Timestamp: json.RawMessage(`10`), BatchPosition: 1},
		"c": {ID: "c-early-0", Timestamp: json.RawMessage(`10`), BatchPosition: 0},
	}
	data, err := json.Marshal(wire)
	require.NoError(t, err)

	records, err := DecodeCommitBatch(data)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "c-early-0", records[0].ID)
	assert.Equal(t, "c-early-1", records[1].ID)
	assert.Equal(t, "c-late", records[2].ID)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "user1/__metadata/devices", UserDevicesPath("user1"))
	assert.Equal(t, "user1/__metadata/devices/fp1", DevicePath("user1", "fp1"))
	assert.Equal(t, "user1/app1/page1/commits", PageCommitsPath("user1", "app1", "page1"))
	assert.Equal(t, "user1/app1/objects/page1", PageObjectsPath("user1", "app1", "page1"))
}
