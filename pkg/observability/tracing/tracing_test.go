package tracing

import (
	"context"
	"testing"
)

func TestStartSpanDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(false)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())
	ctx := context.Background()
	got, end := StartSpan(ctx, "noop")
	end()
	if got != ctx {
		t.Fatalf("disabled tracing must return the input context")
	}
	got, end = StartNodeSpan(ctx, "noop", "n1", 1)
	end()
	if got != ctx {
		t.Fatalf("disabled tracing must return the input context")
	}
}

func TestStartSpanEnabled(t *testing.T) {
	shutdown, err := Setup(true)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctx := context.Background()
	got, end := StartNodeSpan(ctx, "raft.propose", "n1", 3)
	if got == ctx {
		t.Fatalf("enabled tracing must return a span context")
	}
	end()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got, _ := StartSpan(ctx, "after"); got != ctx {
		t.Fatalf("shutdown must disable tracing")
	}
}
