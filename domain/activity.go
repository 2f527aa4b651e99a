package domain

import (
	"encoding/json"
	"fmt"
)

// ObjectRef is the resolved `object` field of an activity. Inbound JSON may
// carry a bare URI string or an embedded object; both collapse into this
// struct at the ingress boundary so handlers never type-sniff.
type ObjectRef struct {
	ID     string
	Type   string
	Object string // inner object URI (for Undo/Accept/Reject payloads)
	Raw    map[string]interface{}
}

// IsEmbedded reports whether the object arrived as a full JSON object rather
// than a bare URI string.
func (o *ObjectRef) IsEmbedded() bool {
	return o.Raw != nil
}

// NormalizedActivity is the strongly-typed view of an inbound ActivityStreams
// document, resolved once per request.
type NormalizedActivity struct {
	ID       string
	Type     string
	ActorURI string
	Object   ObjectRef
	Raw      map[string]interface{}
}

// NormalizeActivity parses raw ActivityStreams JSON into a NormalizedActivity.
// The actor may be a string or an object with id/url; the type may be a string
// or an array (first string wins). The returned activity is never nil: on
// error the caller still gets a partial value for audit purposes.
func NormalizeActivity(body []byte) (*NormalizedActivity, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		// Valid JSON that is not an object ends up here too
		return &NormalizedActivity{}, fmt.Errorf("invalid activity JSON: %w", err)
	}

	act := &NormalizedActivity{Raw: raw}

	if id, ok := raw["id"].(string); ok {
		act.ID = id
	}

	act.Type = firstTypeString(raw["type"])

	act.ActorURI = extractURI(raw["actor"])
	act.Object = normalizeObject(raw["object"])

	if act.ActorURI == "" {
		// Callers still get the partial activity for audit purposes
		return act, fmt.Errorf("activity missing actor field")
	}

	return act, nil
}

// firstTypeString returns the activity type, taking the first string element
// when the type field is an array.
func firstTypeString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		for _, e := range t {
			if s, ok := e.(string); ok {
				return s
			}
		}
	}
	return ""
}

// extractURI resolves a string-or-object field into a URI. Objects are
// checked for "id" then "url".
func extractURI(v interface{}) string {
	switch f := v.(type) {
	case string:
		return f
	case map[string]interface{}:
		if id, ok := f["id"].(string); ok && id != "" {
			return id
		}
		if u, ok := f["url"].(string); ok && u != "" {
			return u
		}
	}
	return ""
}

func normalizeObject(v interface{}) ObjectRef {
	switch obj := v.(type) {
	case string:
		return ObjectRef{ID: obj}
	case map[string]interface{}:
		ref := ObjectRef{Raw: obj}
		if id, ok := obj["id"].(string); ok {
			ref.ID = id
		}
		ref.Type = firstTypeString(obj["type"])
		ref.Object = extractURI(obj["object"])
		return ref
	}
	return ObjectRef{}
}
