package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithIDRev(t *testing.T) {
	body, err := WithIDRev(json.RawMessage(`{"name":"Bob"}`), "user:bob", "1-abc")
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "user:bob", m["_id"])
	assert.Equal(t, "1-abc", m["_rev"])

	// Empty rev strips the member.
	body, err = WithIDRev(body, "user:bob", "")
	require.NoError(t, err)
	m = nil
	require.NoError(t, json.Unmarshal(body, &m))
	_, hasRev := m["_rev"]
	assert.False(t, hasRev)
}

func TestNewDocument(t *testing.T) {
	doc, err := NewDocument("user:bob", map[string]any{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "user:bob", doc.ID)
	assert.Empty(t, doc.Rev)
	assert.Contains(t, string(doc.Body), `"_id":"user:bob"`)
}

func TestParseRev(t *testing.T) {
	gen, suffix := ParseRev("3-01ABCDEF")
	assert.Equal(t, 3, gen)
	assert.Equal(t, "01ABCDEF", suffix)

	gen, _ = ParseRev("garbage")
	assert.Equal(t, 0, gen)
}

func TestCompareRevs(t *testing.T) {
	assert.Negative(t, CompareRevs("1-aaa", "2-aaa"))
	assert.Positive(t, CompareRevs("3-aaa", "2-zzz"))
	assert.Negative(t, CompareRevs("2-aaa", "2-bbb"))
	assert.Zero(t, CompareRevs("2-aaa", "2-aaa"))
}
