package acp

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestUpdateWithType(t *testing.T) {
	update := updateWithType("agent_message_chunk")
	if gjson.GetBytes(update.buf, "session_update").String() != "agent_message_chunk" {
		t.Fatalf("session_update = %v", update.buf)
	}
	if gjson.GetBytes(update.buf, "sessionUpdate").String() != "agent_message_chunk" {
		t.Fatalf("sessionUpdate = %v", update.buf)
	}
}

func TestDualObject_Set(t *testing.T) {
	d := newDualObject().set("tool_call_id", "toolCallId", "call-1")
	if got := gjson.GetBytes(d.buf, "tool_call_id").String(); got != "call-1" {
		t.Fatalf("tool_call_id = %q", got)
	}
	if got := gjson.GetBytes(d.buf, "toolCallId").String(); got != "call-1" {
		t.Fatalf("toolCallId = %q", got)
	}
}

func TestDualObject_SetRaw(t *testing.T) {
	inner := newDualObject().set("a", "A", 1)
	outer := newDualObject().setRaw("nested", "Nested", inner.buf)
	if got := gjson.GetBytes(outer.buf, "nested.a").Int(); got != 1 {
		t.Fatalf("nested.a = %d", got)
	}
	if got := gjson.GetBytes(outer.buf, "Nested.A").Int(); got != 1 {
		t.Fatalf("Nested.A = %d", got)
	}
}

func TestDualString_PrefersCamelFallsBackToSnake(t *testing.T) {
	camel := []byte(`{"optionId":"allow-once"}`)
	if got := dualString(camel, "option_id", "optionId"); got != "allow-once" {
		t.Fatalf("camel case = %q", got)
	}
	snake := []byte(`{"option_id":"reject-once"}`)
	if got := dualString(snake, "option_id", "optionId"); got != "reject-once" {
		t.Fatalf("snake case = %q", got)
	}
}
