package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Absent(t *testing.T) {
	for _, raw := range []string{"", "   ", "null", " null\n"} {
		_, ok := Normalize(json.RawMessage(raw), "Sketch")
		assert.False(t, ok, "input %q should be absent", raw)
	}
	_, ok := Normalize(nil, "Sketch")
	assert.False(t, ok)
}

func TestNormalize_FallbackName(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		fallback string
		want     string
	}{
		{"missing document", `{"store":{}}`, "Sketch", "Sketch"},
		{"blank name", `{"document":{"name":"  "},"store":{}}`, "Sketch", "Sketch"},
		{"non-string name", `{"document":{"name":42}}`, "Sketch", "Sketch"},
		{"blank fallback", `{"document":{"name":""}}`, "   ", DefaultName},
		{"empty fallback", `{}`, "", DefaultName},
		{"name kept", `{"document":{"name":"Floor plan"}}`, "Sketch", "Floor plan"},
		{"document not an object", `{"document":[1,2]}`, "Sketch", "Sketch"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, ok := Normalize(json.RawMessage(tc.raw), tc.fallback)
			require.True(t, ok)
			assert.Equal(t, tc.want, s.Name())
		})
	}
}

func TestNormalize_MalformedDegrades(t *testing.T) {
	for _, raw := range []string{`[1,2,3]`, `"text"`, `{not json`, `12`} {
		s, ok := Normalize(json.RawMessage(raw), "Sketch")
		require.True(t, ok, raw)
		assert.Equal(t, "Sketch", s.Name())
		assert.Empty(t, s.Records())
	}
}

func TestNormalize_StripsNullAssetURL(t *testing.T) {
	raw := `{
		"document": {"name": "Board"},
		"store": {
			"asset:broken": {"typeName": "asset", "type": "image", "props": {"src": null, "name": "a.png"}},
			"asset:ok": {"typeName": "asset", "type": "image", "props": {"src": "https://cdn/a.png"}},
			"shape:bookmark": {"typeName": "shape", "type": "bookmark", "props": {"url": null}},
			"shape:label": {"typeName": "shape", "type": "text", "props": {"text": null}},
			"shape:box": {"typeName": "shape", "type": "geo", "props": {"w": 10, "h": 20.5}},
			"shape:noprops": {"typeName": "shape", "props": null},
			"page:1": {"typeName": "page", "name": "Page 1", "meta": {"url": null}},
			"junk": "not a record"
		}
	}`

	s, ok := Normalize(json.RawMessage(raw), "")
	require.True(t, ok)

	records := s.Records()
	assert.NotContains(t, records, "asset:broken")
	assert.NotContains(t, records, "shape:bookmark")
	assert.NotContains(t, records, "shape:label")
	assert.NotContains(t, records, "shape:noprops")
	assert.NotContains(t, records, "junk")
	assert.Contains(t, records, "asset:ok")
	assert.Contains(t, records, "shape:box")
	assert.Contains(t, records, "page:1", "records of other kinds are never stripped")

	box := records["shape:box"].(map[string]any)["props"].(map[string]any)
	assert.Equal(t, json.Number("20.5"), box["h"])
}

func TestNormalize_KindFromKeyPrefix(t *testing.T) {
	raw := `{"store":{"asset:x":{"props":{"src":null}},"shape:y":{"props":{"text":"hi"}}}}`
	s, ok := Normalize(json.RawMessage(raw), "Sketch")
	require.True(t, ok)
	assert.NotContains(t, s.Records(), "asset:x")
	assert.Contains(t, s.Records(), "shape:y")
}

func TestNormalize_DocumentRecordGetsName(t *testing.T) {
	raw := `{"document":{"name":"Plan"},"store":{"document:document":{"typeName":"document","name":""}}}`
	s, ok := Normalize(json.RawMessage(raw), "Sketch")
	require.True(t, ok)
	rec := s.Records()["document:document"].(map[string]any)
	assert.Equal(t, "Plan", rec["name"])
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		`{}`,
		`{"document":{"name":""},"store":{"asset:a":{"typeName":"asset","props":{"src":null}}}}`,
		`{"document":{"name":"Keep"},"schema":{"v":2},"store":{"shape:s":{"typeName":"shape","props":{"text":"<b>&</b>","x":1e3}}}}`,
		`[1]`,
	}

	for _, raw := range inputs {
		for _, fallback := range []string{"", "Sketch"} {
			once, ok := Normalize(json.RawMessage(raw), fallback)
			require.True(t, ok)
			twice, ok := Normalize(once.Bytes(), fallback)
			require.True(t, ok)
			assert.Equal(t, string(once.Bytes()), string(twice.Bytes()), "input %s", raw)
			assert.Equal(t, once.Fingerprint(), twice.Fingerprint())
		}
	}
}

func TestNormalize_DeepCopy(t *testing.T) {
	raw := []byte(`{"document":{"name":"A"},"store":{"shape:1":{"typeName":"shape","props":{"text":"hi"}}}}`)
	s, ok := Normalize(raw, "")
	require.True(t, ok)
	before := string(s.Bytes())

	copy(raw, []byte(`{"document":{"name":"B"}`))
	assert.Equal(t, before, string(s.Bytes()))

	again, _ := Normalize(s.Bytes(), "")
	again.Records()["shape:1"].(map[string]any)["props"].(map[string]any)["text"] = "changed"
	assert.Equal(t, before, string(s.Bytes()))
}

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a, _ := Normalize(json.RawMessage(`{"store":{},"document":{"name":"x","v":1}}`), "")
	b, _ := Normalize(json.RawMessage(`{"document":{"v":1,"name":"x"},"store":{}}`), "")
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.True(t, Equal(a, b))

	c, _ := Normalize(json.RawMessage(`{"document":{"v":2,"name":"x"},"store":{}}`), "")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.False(t, Equal(a, c))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAsset, KindOf("x", map[string]any{"typeName": "asset"}))
	assert.Equal(t, KindShape, KindOf("shape:abc", map[string]any{}))
	assert.Equal(t, KindDocument, KindOf("document:document", map[string]any{}))
	assert.Equal(t, KindOther, KindOf("camera:1", map[string]any{}))
	assert.Equal(t, KindOther, KindOf("", map[string]any{}))
	assert.Equal(t, "shape", KindShape.String())
}
