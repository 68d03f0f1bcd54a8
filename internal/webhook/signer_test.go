package webhook

import "testing"

func TestSignDeterministic(t *testing.T) {
	a := Sign("secret", 1700000000, []byte(`{"event":"completed"}`))
	b := Sign("secret", 1700000000, []byte(`{"event":"completed"}`))
	if a != b {
		t.Fatalf("signature not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(a))
	}
}

func TestSignSensitivity(t *testing.T) {
	base := Sign("secret", 1700000000, []byte(`{}`))
	if Sign("other", 1700000000, []byte(`{}`)) == base {
		t.Fatal("signature ignores secret")
	}
	if Sign("secret", 1700000001, []byte(`{}`)) == base {
		t.Fatal("signature ignores timestamp")
	}
	if Sign("secret", 1700000000, []byte(`{"a":1}`)) == base {
		t.Fatal("signature ignores body")
	}
}
