// Package model defines the diagram data model shared by the editor engine,
// the transports and the reference server: ports, nodes, links, graphs and the
// JSON wire documents exchanged with the server.
//
// Keys are supplied by the caller (the server parser or the canvas) and are
// either strings or integers on the wire. Key preserves which of the two it
// was so that documents round-trip byte-for-byte through the engine.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Key identifies a node or a link within one Graph.
// The zero Key is "no key" and is never valid inside a Graph.
type Key struct {
	text    string
	numeric bool
}

// StringKey returns a key that serializes as a JSON string.
func StringKey(s string) Key {
	return Key{text: s}
}

// IntKey returns a key that serializes as a JSON number.
func IntKey(i int64) Key {
	return Key{text: strconv.FormatInt(i, 10), numeric: true}
}

// String returns the textual form of the key.
func (k Key) String() string {
	return k.text
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.text == "" && !k.numeric
}

// Numeric reports whether the key was a JSON number.
func (k Key) Numeric() bool {
	return k.numeric
}

// CompareKeys orders numeric keys before string keys, numeric keys by value
// and string keys lexically. It is used wherever a deterministic order is
// needed (canonical documents, canvas iteration).
func CompareKeys(a, b Key) int {
	switch {
	case a.numeric && !b.numeric:
		return -1
	case !a.numeric && b.numeric:
		return 1
	case a.numeric:
		fa, errA := strconv.ParseFloat(a.text, 64)
		fb, errB := strconv.ParseFloat(b.text, 64)
		if errA == nil && errB == nil && fa != fb {
			if fa < fb {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a.text, b.text)
}

// MarshalJSON writes numeric keys as numbers and everything else as strings.
func (k Key) MarshalJSON() ([]byte, error) {
	if k.numeric {
		return []byte(k.text), nil
	}
	return json.Marshal(k.text)
}

// UnmarshalJSON accepts a JSON string or number.
func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*k = Key{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = StringKey(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("key must be a string or a number, got %s", data)
	}
	*k = Key{text: n.String(), numeric: true}
	return nil
}
