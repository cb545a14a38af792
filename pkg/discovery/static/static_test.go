package static

import (
	"errors"
	"testing"

	"github.com/amirimatin/go-raft/pkg/raftlog"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a:1", []string{"a:1"}},
		{" a:1 , b:2 ", []string{"a:1", "b:2"}},
		{",,a:1, ,b:2,", []string{"a:1", "b:2"}},
	}
	for _, c := range cases {
		got := Parse(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("len mismatch for %q: got %d want %d", c.in, len(got), len(c.want))
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("[%q] item %d: got %q want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}

func TestNew(t *testing.T) {
	d := New(" a:1 ", "", "b:2")
	got := d.Seeds()
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Fatalf("unexpected seeds: %#v", got)
	}
	// Ensure returned slice is a copy
	got[0] = "x"
	got2 := d.Seeds()
	if got2[0] != "a:1" {
		t.Fatalf("expected defensive copy, got %#v", got2)
	}
}

func TestParseMembers(t *testing.T) {
	ms, err := ParseMembers("n1=127.0.0.1:9521@127.0.0.1:8080, n2=127.0.0.1:9522 ,n3=")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("want 3 members, got %#v", ms)
	}
	if ms[0].ID != "n1" || ms[0].Addr != "127.0.0.1:9521" || ms[0].Meta["mgmt"] != "127.0.0.1:8080" {
		t.Fatalf("unexpected n1: %#v", ms[0])
	}
	if ms[1].Addr != "127.0.0.1:9522" || ms[1].Meta != nil {
		t.Fatalf("unexpected n2: %#v", ms[1])
	}
	if ms[2].ID != "n3" || ms[2].Addr != "" {
		t.Fatalf("unexpected n3: %#v", ms[2])
	}

	if ms, err := ParseMembers(""); err != nil || len(ms) != 0 {
		t.Fatalf("empty list: %v %#v", err, ms)
	}
	for _, bad := range []string{"n1", "=127.0.0.1:1", "n1=a:1,n1=b:2", "n1=nope"} {
		if _, err := ParseMembers(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if _, err := ParseMembers("n1=a:1,n1=b:2"); !errors.Is(err, raftlog.ErrInvalidConfig) {
		t.Fatalf("duplicate ids should be ErrInvalidConfig, got %v", err)
	}
}
