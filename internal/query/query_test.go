package query

import (
	"testing"
)

func TestCompileRejectsInvalidQuery(t *testing.T) {
	if _, err := Compile("message.."); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Compile(""); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestEvalMessageRoot(t *testing.T) {
	p, err := Compile(`{"id": message.id, "text": message.content}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := p.Eval(Root{Message: map[string]any{"id": "m1", "content": "hi", "author": "u1"}}, nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("want map result, got %T", got)
	}
	if m["id"] != "m1" || m["text"] != "hi" {
		t.Fatalf("unexpected result: %v", m)
	}
}

func TestEvalUsesStoredVariables(t *testing.T) {
	p, err := Compile(`message.author == vars.me ? "mine" : "theirs"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := p.Eval(Root{Message: map[string]any{"author": "u1"}}, map[string]any{"me": "u1"})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "mine" {
		t.Fatalf("want mine, got %v", got)
	}
	got, err = p.Eval(Root{Message: map[string]any{"author": "u1"}}, map[string]any{"me": "u2"})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "theirs" {
		t.Fatalf("want theirs, got %v", got)
	}
}

func TestEvalChannelRoot(t *testing.T) {
	p, err := Compile(`channel`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := p.Eval(Root{Channel: map[string]any{"id": "c5", "conversationId": "abc"}}, nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("want map result, got %T", got)
	}
	if m["id"] != "c5" || m["conversationId"] != "abc" {
		t.Fatalf("unexpected result: %v", m)
	}
}
