package snapshot

import "strings"

// RecordKind classifies an entry of the snapshot's record store.
type RecordKind int

const (
	KindOther RecordKind = iota
	KindAsset
	KindShape
	KindDocument
)

func (k RecordKind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindShape:
		return "shape"
	case KindDocument:
		return "document"
	default:
		return "other"
	}
}

// referenceFields are the fields the renderer dereferences for each kind. A
// record of that kind holding an explicit null in one of them is unusable.
var referenceFields = map[RecordKind][]string{
	KindAsset: {"src", "url"},
	KindShape: {"url", "text"},
}

// KindOf reads the record's typeName discriminator, falling back to the
// "kind:" prefix of its store key.
func KindOf(key string, record map[string]any) RecordKind {
	name, _ := record["typeName"].(string)
	if name == "" {
		if i := strings.IndexByte(key, ':'); i > 0 {
			name = key[:i]
		}
	}
	switch name {
	case "asset":
		return KindAsset
	case "shape":
		return KindShape
	case "document":
		return KindDocument
	default:
		return KindOther
	}
}

// dangling reports whether record carries an explicit null in a field its
// kind requires, either at the top level or under props. A record of a
// dereferenced kind whose props is itself null counts as dangling.
func dangling(kind RecordKind, record map[string]any) bool {
	fields, ok := referenceFields[kind]
	if !ok {
		return false
	}
	if v, present := record["props"]; present {
		props, isObject := v.(map[string]any)
		if !isObject {
			return true
		}
		if hasNull(props, fields) {
			return true
		}
	}
	return hasNull(record, fields)
}

func hasNull(m map[string]any, fields []string) bool {
	for _, f := range fields {
		if v, present := m[f]; present && v == nil {
			return true
		}
	}
	return false
}
