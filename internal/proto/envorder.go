package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes a CommandRequest the ordinary way, then re-scans
// the raw "env" object (if present) to recover key insertion order, which
// plain map[string]string decoding discards but which the data model
// requires (an "ordered map") since KEY=VAL assignments are emitted to the
// remote shell in the order the caller supplied them.
func (r *CommandRequest) UnmarshalJSON(data []byte) error {
	type alias CommandRequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = CommandRequest(a)

	var probe struct {
		Env json.RawMessage `json:"env"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if len(probe.Env) == 0 || bytes.Equal(bytes.TrimSpace(probe.Env), []byte("null")) {
		r.EnvOrder = nil
		return nil
	}
	order, err := objectKeyOrder(probe.Env)
	if err != nil {
		return fmt.Errorf("proto: env key order: %w", err)
	}
	r.EnvOrder = order
	return nil
}

// objectKeyOrder returns a JSON object's top-level keys in file order.
func objectKeyOrder(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", tok)
		}
		keys = append(keys, key)
		// Skip the value.
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// OrderedEnv returns Env's assignments in EnvOrder (falling back to
// whatever range order Go gives for keys absent from EnvOrder, which only
// happens if the request was constructed programmatically rather than
// decoded from JSON).
func (r CommandRequest) OrderedEnv() []EnvAssignment {
	if len(r.Env) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(r.Env))
	out := make([]EnvAssignment, 0, len(r.Env))
	for _, k := range r.EnvOrder {
		if v, ok := r.Env[k]; ok && !seen[k] {
			out = append(out, EnvAssignment{Key: k, Value: v})
			seen[k] = true
		}
	}
	for k, v := range r.Env {
		if !seen[k] {
			out = append(out, EnvAssignment{Key: k, Value: v})
			seen[k] = true
		}
	}
	return out
}

// EnvAssignment is one KEY=VAL pair in caller-supplied order.
type EnvAssignment struct {
	Key   string
	Value string
}
