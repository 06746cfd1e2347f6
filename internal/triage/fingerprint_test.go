package triage

import "testing"

func TestNormalizeSignal(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases and trims", "  SEGV in Parser  ", "segv in parser"},
		{"collapses whitespace", "stack\toverflow   in\n walk", "stack overflow in walk"},
		{"scrubs hex addresses", "segv at 0x7ffd10203040 in parse", "segv at addr in parse"},
		{"scrubs mixed case addresses", "fault 0xDEADBEEF", "fault addr"},
		{"scrubs large decimals", "assert count=123456 failed", "assert count=num failed"},
		{"keeps small numbers", "chunk 42 of 7", "chunk 42 of 7"},
		{"empty", "   ", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeSignal(tc.in); got != tc.want {
				t.Fatalf("NormalizeSignal(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFingerprintStableAcrossAddressNoise(t *testing.T) {
	t.Parallel()
	a := Fingerprint("svc-auth", "SEGV at 0x7ffd1020 depth 123456")
	b := Fingerprint("svc-auth", "segv at 0x55de9944 depth 999999")
	if a != b {
		t.Fatalf("address noise split fingerprints: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("fingerprint length = %d, want 32 hex chars", len(a))
	}
}

func TestFingerprintSeparatesTargets(t *testing.T) {
	t.Parallel()
	a := Fingerprint("svc-auth", "segv in parse")
	b := Fingerprint("svc-billing", "segv in parse")
	if a == b {
		t.Fatalf("different targets share fingerprint %s", a)
	}
}
