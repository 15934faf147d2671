package svcfields

import "testing"

func TestSubsystemJoinsParts(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"gateway.http":       {"gateway", "http"},
		"gateway.http.shape": {".gateway.", "", "http", " shape "},
		"":                   {},
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q) = %q, want %q", parts, got, want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	t.Parallel()

	if WithSubsystem(nil, "x") == nil {
		t.Fatal("expected non-nil logger")
	}
	if WithTenant(nil, "env", "org") == nil {
		t.Fatal("expected non-nil logger")
	}
}
