// Package jsonutil provides the JSON plumbing used on the ACME wire: an
// immutable parsed Value with typed, path-aware accessors, and an insertion
// ordered Builder whose compact serialization is used as JWS payloads.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/probs"
)

// Value is a single node of a parsed JSON document. The zero Value is absent.
// Values are immutable; accessors decode on demand and report failures as
// protocol errors naming the JSON path.
type Value struct {
	path    string
	raw     json.RawMessage
	present bool
}

// Parse reads a JSON document into a Value rooted at the given path name.
// The path only serves error reporting.
func Parse(data []byte, path string) (Value, error) {
	if !json.Valid(data) {
		return Value{}, probs.ProtocolError("response at %q is not valid JSON", path)
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Value{path: path, raw: raw, present: true}, nil
}

// Absent returns the marker for a value that does not exist at the given path.
func Absent(path string) Value {
	return Value{path: path}
}

// Path returns the JSON path of this value, for diagnostics.
func (v Value) Path() string {
	return v.path
}

// IsPresent reports whether the value exists in the document. A JSON null is
// present; a missing object member is not.
func (v Value) IsPresent() bool {
	return v.present
}

// IsNull reports whether the value exists and is the JSON null literal.
func (v Value) IsNull() bool {
	return v.present && bytes.Equal(bytes.TrimSpace(v.raw), []byte("null"))
}

func (v Value) require(what string) error {
	if !v.present {
		return probs.ProtocolError("required %s %q is missing", what, v.path)
	}
	if v.IsNull() {
		return probs.ProtocolError("required %s %q is null", what, v.path)
	}
	return nil
}

func (v Value) mismatch(what string) *probs.Error {
	return probs.ProtocolError("value at %q is not a %s: %s", v.path, what, truncate(v.raw, 40))
}

func truncate(raw []byte, n int) string {
	s := string(bytes.TrimSpace(raw))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// Get returns the named member of an object value. A missing member, or any
// access on a non-object, yields the absent marker; the error surfaces when
// a typed accessor is applied to it.
func (v Value) Get(key string) Value {
	childPath := v.path + "." + key
	if !v.present {
		return Absent(childPath)
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(v.raw, &members); err != nil {
		return Absent(childPath)
	}
	raw, ok := members[key]
	if !ok {
		return Absent(childPath)
	}
	return Value{path: childPath, raw: raw, present: true}
}

// AsObject asserts that the value is a JSON object and returns its members.
func (v Value) AsObject() (map[string]Value, error) {
	if err := v.require("object"); err != nil {
		return nil, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(v.raw, &members); err != nil {
		return nil, v.mismatch("object")
	}
	result := make(map[string]Value, len(members))
	for key, raw := range members {
		result[key] = Value{path: v.path + "." + key, raw: raw, present: true}
	}
	return result, nil
}

// AsArray asserts that the value is a JSON array and returns its elements.
func (v Value) AsArray() ([]Value, error) {
	if err := v.require("array"); err != nil {
		return nil, err
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(v.raw, &elements); err != nil {
		return nil, v.mismatch("array")
	}
	result := make([]Value, len(elements))
	for i, raw := range elements {
		result[i] = Value{path: fmt.Sprintf("%s[%d]", v.path, i), raw: raw, present: true}
	}
	return result, nil
}

// AsString asserts that the value is a JSON string.
func (v Value) AsString() (string, error) {
	if err := v.require("string"); err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", v.mismatch("string")
	}
	return s, nil
}

// AsInt asserts that the value is a JSON integer.
func (v Value) AsInt() (int64, error) {
	if err := v.require("integer"); err != nil {
		return 0, err
	}
	var n json.Number
	if err := json.Unmarshal(v.raw, &n); err != nil {
		return 0, v.mismatch("integer")
	}
	i, err := n.Int64()
	if err != nil {
		return 0, v.mismatch("integer")
	}
	return i, nil
}

// AsBool asserts that the value is a JSON boolean.
func (v Value) AsBool() (bool, error) {
	if err := v.require("boolean"); err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(v.raw, &b); err != nil {
		return false, v.mismatch("boolean")
	}
	return b, nil
}

// AsTime parses the value as an RFC 3339 timestamp.
func (v Value) AsTime() (time.Time, error) {
	s, err := v.AsString()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, v.mismatch("RFC 3339 timestamp")
	}
	return t, nil
}

// AsSeconds parses the value as a duration given in seconds.
func (v Value) AsSeconds() (time.Duration, error) {
	n, err := v.AsInt()
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// AsURL parses the value as an absolute URL.
func (v Value) AsURL() (*url.URL, error) {
	s, err := v.AsString()
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return nil, v.mismatch("absolute URL")
	}
	return u, nil
}

// AsBinary decodes the value from unpadded base64url.
func (v Value) AsBinary() ([]byte, error) {
	s, err := v.AsString()
	if err != nil {
		return nil, err
	}
	data, err := core.Base64URLDecode(s)
	if err != nil {
		return nil, v.mismatch("base64url string")
	}
	return data, nil
}

// AsStatus reads the value as a resource status. Absent, null, and
// unrecognized statuses all map to StatusUnknown.
func (v Value) AsStatus() core.AcmeStatus {
	s, err := v.AsString()
	if err != nil {
		return core.StatusUnknown
	}
	return core.StatusFromString(s)
}

// AsIdentifier decodes the value as an ACME identifier object.
func (v Value) AsIdentifier() (core.AcmeIdentifier, error) {
	if err := v.require("identifier"); err != nil {
		return core.AcmeIdentifier{}, err
	}
	var id core.AcmeIdentifier
	if err := json.Unmarshal(v.raw, &id); err != nil {
		return core.AcmeIdentifier{}, v.mismatch("identifier object")
	}
	if id.Type == "" || id.Value == "" {
		return core.AcmeIdentifier{}, v.mismatch("identifier object")
	}
	return id, nil
}

// AsProblem decodes the value as an RFC 7807 problem document.
func (v Value) AsProblem() (*probs.ProblemDetails, error) {
	if err := v.require("problem document"); err != nil {
		return nil, err
	}
	var pd probs.ProblemDetails
	if err := json.Unmarshal(v.raw, &pd); err != nil {
		return nil, v.mismatch("problem document")
	}
	return &pd, nil
}

// Decode unmarshals the value into a Go struct. Used when a whole resource
// document is read at once.
func (v Value) Decode(dst interface{}) error {
	if err := v.require("document"); err != nil {
		return err
	}
	if err := json.Unmarshal(v.raw, dst); err != nil {
		return probs.ProtocolError("malformed document at %q: %s", v.path, err)
	}
	return nil
}

// Raw returns the underlying JSON text of the value.
func (v Value) Raw() json.RawMessage {
	return v.raw
}
