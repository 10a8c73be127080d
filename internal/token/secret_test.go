package token

import (
	"strings"
	"testing"
)

func TestGenerateSecret(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret: %v", err)
		}
		if !strings.HasPrefix(s, secretPrefix) {
			t.Fatalf("secret %q missing prefix", s)
		}
		// 24 bytes of entropy encode to 32 base64url characters.
		if len(s) != len(secretPrefix)+32 {
			t.Fatalf("secret length = %d", len(s))
		}
		if seen[s] {
			t.Fatal("duplicate secret generated")
		}
		seen[s] = true
	}
}

func TestDigestSecret(t *testing.T) {
	d := DigestSecret("fam_example")
	if len(d) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(d))
	}
	if d != DigestSecret("fam_example") {
		t.Error("digest not deterministic")
	}
	if d == DigestSecret("fam_examplf") {
		t.Error("distinct secrets collided")
	}
}

func TestVerifyDigest(t *testing.T) {
	raw, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	digest := DigestSecret(raw)
	if !VerifyDigest(raw, digest) {
		t.Error("matching secret rejected")
	}
	if VerifyDigest(raw+"x", digest) {
		t.Error("tampered secret accepted")
	}
	if VerifyDigest(raw, "") {
		t.Error("empty digest accepted")
	}
}
