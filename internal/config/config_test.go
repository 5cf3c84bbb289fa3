package config

import (
	"testing"
	"time"
)

func TestTypedGettersFallBackToDefault(t *testing.T) {
	m := New(map[string]string{
		"str":   "hello",
		"int":   "42",
		"bad":   "not-a-number",
		"bool":  "true",
		"ms":    "1500",
	})

	if got := m.GetString("str", "x"); got != "hello" {
		t.Fatalf("GetString = %q", got)
	}
	if got := m.GetString("missing", "x"); got != "x" {
		t.Fatalf("GetString default = %q", got)
	}
	if got := m.GetInt("int", 0); got != 42 {
		t.Fatalf("GetInt = %d", got)
	}
	if got := m.GetInt("bad", 7); got != 7 {
		t.Fatalf("GetInt on bad value = %d, want default 7", got)
	}
	if got := m.GetBool("bool", false); !got {
		t.Fatal("GetBool = false")
	}
	if got := m.GetMillis("ms", 0); got != 1500*time.Millisecond {
		t.Fatalf("GetMillis = %v", got)
	}
	if got := m.GetMillis("missing", 250); got != 250*time.Millisecond {
		t.Fatalf("GetMillis default = %v", got)
	}
}

func TestClamp(t *testing.T) {
	cases := []struct{ v, lo, hi, want int }{
		{5, 1, 10, 5},
		{-1, 1, 10, 1},
		{100, 1, 10, 10},
	}
	for _, c := range cases {
		if got := Clamp(c.v, c.lo, c.hi); got != c.want {
			t.Fatalf("Clamp(%d,%d,%d) = %d, want %d", c.v, c.lo, c.hi, got, c.want)
		}
	}
}
