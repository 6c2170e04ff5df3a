package acp

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// dualObject incrementally builds a JSON object whose fields are emitted
// under both their snake_case and camelCase spelling, the shape ACP
// clients expect since the protocol's reference implementation and its
// ports disagree on casing. Built on sjson.SetBytes/SetRawBytes rather
// than map[string]any so a nested dualObject can be folded in by its
// already-encoded bytes instead of round-tripping through reflection.
type dualObject struct {
	buf []byte
}

func newDualObject() *dualObject {
	return &dualObject{buf: []byte("{}")}
}

// set stores value, JSON-encoded by sjson, under both spellings.
func (d *dualObject) set(snake, camel string, value any) *dualObject {
	d.buf, _ = sjson.SetBytes(d.buf, snake, value)
	d.buf, _ = sjson.SetBytes(d.buf, camel, value)
	return d
}

// setRaw folds in a pre-encoded JSON value (typically another
// dualObject's bytes) under both spellings without re-marshaling it.
func (d *dualObject) setRaw(snake, camel string, raw []byte) *dualObject {
	d.buf, _ = sjson.SetRawBytes(d.buf, snake, raw)
	d.buf, _ = sjson.SetRawBytes(d.buf, camel, raw)
	return d
}

// setPlain stores value under a single field name; for fields ACP only
// ever spells one way ("title", "status", "content", "modes"...).
func (d *dualObject) setPlain(field string, value any) *dualObject {
	d.buf, _ = sjson.SetBytes(d.buf, field, value)
	return d
}

// setPlainRaw is setPlain for an already-encoded JSON value.
func (d *dualObject) setPlainRaw(field string, raw []byte) *dualObject {
	d.buf, _ = sjson.SetRawBytes(d.buf, field, raw)
	return d
}

func (d *dualObject) raw() json.RawMessage { return json.RawMessage(d.buf) }

// updateWithType seeds a session/update payload with its discriminator,
// emitted under both the snake_case and camelCase spellings ACP clients
// use interchangeably.
func updateWithType(kind string) *dualObject {
	return newDualObject().set("session_update", "sessionUpdate", kind)
}

// dualString reads a string field that a peer may have sent under
// either spelling, preferring camelCase (the more common wire spelling
// in practice) and falling back to snake_case.
func dualString(raw json.RawMessage, snake, camel string) string {
	if v := gjson.GetBytes(raw, camel); v.Exists() {
		return v.String()
	}
	return gjson.GetBytes(raw, snake).String()
}
