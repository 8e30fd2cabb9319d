package store

import (
	"bytes"
	"encoding/json"
)

// Match reports whether doc carries every filter field with an equal value.
// A field absent from doc never matches.
func Match(doc Document, filters Filters) bool {
	for field, want := range filters {
		got, ok := doc[field]
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

// equalValues compares through the JSON encoding so that 3 and 3.0, or a
// typed string and its decoded form, compare equal.
func equalValues(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
