// Package snapshot turns raw editor snapshots into persist-ready documents.
//
// A snapshot is an opaque JSON object. The normalizer only enforces two
// things about it: the document carries a non-blank name, and no asset or
// shape record in the record store holds a null where the renderer expects a
// URL or text. Everything else passes through untouched.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultName is the last-resort document name.
const DefaultName = "Untitled drawing"

const (
	documentKey = "document"
	nameKey     = "name"
	storeKey    = "store"
)

// Snapshot is a decoded, normalized document. Numbers are kept as
// json.Number so re-encoding never changes their text.
type Snapshot map[string]any

// Normalize decodes raw into an independent Snapshot and cleans it. It
// returns false when raw is absent (empty or JSON null). Malformed input
// never fails; it degrades to an empty document named after nameFallback.
func Normalize(raw json.RawMessage, nameFallback string) (Snapshot, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}

	fallback := nameFallback
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultName
	}

	root, ok := decodeObject(trimmed)
	if !ok {
		root = map[string]any{}
	}

	name := ensureName(root, fallback)
	cleanStore(root, name)
	return Snapshot(root), true
}

// Name returns the document name of a normalized snapshot.
func (s Snapshot) Name() string {
	doc, _ := s[documentKey].(map[string]any)
	name, _ := doc[nameKey].(string)
	return name
}

// Records returns the record store. The map is shared with s.
func (s Snapshot) Records() map[string]any {
	store, _ := s[storeKey].(map[string]any)
	return store
}

// Bytes is the canonical encoding: map keys sorted, numbers verbatim.
func (s Snapshot) Bytes() json.RawMessage {
	if s == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(s)); err != nil {
		// Every value came out of encoding/json, so it always encodes.
		panic(fmt.Sprintf("snapshot: encode: %v", err))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Fingerprint is a stable digest of the canonical encoding, for cheap
// equality checks between queued snapshots.
func (s Snapshot) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.Sum64(s.Bytes()))
}

// Equal compares two snapshots by value.
func Equal(a, b Snapshot) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}

func decodeObject(raw []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func ensureName(root map[string]any, fallback string) string {
	doc, ok := root[documentKey].(map[string]any)
	if !ok {
		doc = map[string]any{}
		root[documentKey] = doc
	}
	name, _ := doc[nameKey].(string)
	if strings.TrimSpace(name) == "" {
		name = fallback
		doc[nameKey] = name
	}
	return name
}

func cleanStore(root map[string]any, name string) {
	store, ok := root[storeKey].(map[string]any)
	if !ok {
		store = map[string]any{}
		root[storeKey] = store
	}

	for key, v := range store {
		record, ok := v.(map[string]any)
		if !ok {
			delete(store, key)
			continue
		}

		kind := KindOf(key, record)
		if dangling(kind, record) {
			delete(store, key)
			continue
		}

		if kind == KindDocument {
			if n, _ := record[nameKey].(string); strings.TrimSpace(n) == "" {
				record[nameKey] = name
			}
		}
	}
}
