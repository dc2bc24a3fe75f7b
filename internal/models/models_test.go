package models

import "testing"

func TestQueuedProjectBeforeCreateGeneratesIdempotencyKey(t *testing.T) {
	var p QueuedProject
	if err := p.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if len(p.IdempotencyKey) != 36 {
		t.Fatalf("expected uuid idempotency key, got %q", p.IdempotencyKey)
	}
}

func TestQueuedProjectBeforeCreateKeepsExistingKey(t *testing.T) {
	p := QueuedProject{IdempotencyKey: "fixed"}
	if err := p.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if p.IdempotencyKey != "fixed" {
		t.Fatalf("expected key to be preserved, got %q", p.IdempotencyKey)
	}
}

func TestQueuedProjectTableName(t *testing.T) {
	if got := (QueuedProject{}).TableName(); got != "projects" {
		t.Fatalf("expected projects table, got %q", got)
	}
}
