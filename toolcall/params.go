package toolcall

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

var (
	errNotObject = errors.New("arguments are not a JSON object")
	errTrailing  = errors.New("unexpected data after arguments object")
)

// param is one top-level member of a (possibly truncated) JSON object.
type param struct {
	name  string
	value json.RawMessage
}

// objectScan is what is known about a JSON object that may still be streaming.
type objectScan struct {
	// params holds the members whose values are complete, in order of appearance.
	params   []param
	complete bool
	// pendingName/pendingRaw describe the member currently being received, if any.
	pendingName string
	pendingRaw  string
}

func (s objectScan) get(names ...string) (json.RawMessage, bool) {
	for _, p := range s.params {
		for _, n := range names {
			if p.name == n {
				return p.value, true
			}
		}
	}
	return nil, false
}

// scanObject walks the members of the JSON object in s. Truncated input is not an error;
// malformed input is.
func scanObject(s string) (objectScan, error) {
	var out objectScan
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return out, truncatedOr(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return out, errNotObject
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return out, truncatedOr(err)
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			out.complete = true
			if rest := strings.TrimSpace(trimmed[int(dec.InputOffset()):]); rest != "" {
				return out, errTrailing
			}
			return out, nil
		}
		name, ok := tok.(string)
		if !ok {
			return out, errNotObject
		}

		start := int(dec.InputOffset())
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err = truncatedOr(err); err != nil {
				return out, err
			}
			out.pendingName = name
			out.pendingRaw = strings.TrimLeft(trimmed[start:], " \t\r\n:")
			return out, nil
		}
		// a bare number or literal at the very end may still grow
		if strings.TrimSpace(trimmed[int(dec.InputOffset()):]) == "" && !selfDelimited(raw) {
			out.pendingName = name
			out.pendingRaw = string(raw)
			return out, nil
		}
		out.params = append(out.params, param{name: name, value: raw})
	}
}

func selfDelimited(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '"', '{', '[':
		return true
	}
	return false
}

// truncatedOr hides end-of-input errors, which only mean the object is still streaming.
func truncatedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// rawParamValue renders a JSON value for RawParams: strings verbatim, anything else in its
// compact JSON encoding.
func rawParamValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// stringValue decodes raw as a JSON string.
func stringValue(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
