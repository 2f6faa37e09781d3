package util

import "testing"

func TestIsLoopbackHost(t *testing.T) {
	cases := map[string]bool{
		"localhost":         true,
		" LOCALHOST ":       true,
		"127.0.0.1":         true,
		"127.0.0.2":         true,
		"::1":               true,
		"[::1]":             true,
		"app.localhost":     true,
		"bastion.internal":  false,
		"10.0.0.1":          false,
		"":                  false,
		"localhost.example": false,
	}
	for host, want := range cases {
		if got := IsLoopbackHost(host); got != want {
			t.Errorf("IsLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestValidatePort(t *testing.T) {
	for _, p := range []int{1, 22, 65535} {
		if err := ValidatePort(p); err != nil {
			t.Errorf("port %d: unexpected error %v", p, err)
		}
	}
	for _, p := range []int{0, -1, 65536} {
		if err := ValidatePort(p); err == nil {
			t.Errorf("port %d: expected error", p)
		}
	}
}

func TestPadRightKeepsWidth(t *testing.T) {
	got := PadRight("staging-database", 8)
	if len([]rune(got)) != 8 {
		t.Fatalf("expected 8 cells, got %q", got)
	}
	if PadRight("db", 4) != "db  " {
		t.Fatalf("unexpected padding: %q", PadRight("db", 4))
	}
}
