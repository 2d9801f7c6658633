package channel

import (
	"crypto/sha1"
	"crypto/sha256"
	"testing"
)

func TestHMACHelpers(t *testing.T) {
	t.Parallel()

	got := HMACHex(sha256.New, "key", []byte("The quick brown fox jumps over the lazy dog"))
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Fatalf("HMACHex sha256 = %s, want %s", got, want)
	}
	got = HMACHex(sha1.New, "key", []byte("The quick brown fox jumps over the lazy dog"))
	want = "de7c9b85b8b78aa6bc8a7a36f70a90701c9db4d9"
	if got != want {
		t.Fatalf("HMACHex sha1 = %s, want %s", got, want)
	}
}

func TestSignatureEqual(t *testing.T) {
	t.Parallel()

	if !SignatureEqual("abc", " abc ") {
		t.Fatal("expected trimmed signatures to match")
	}
	if SignatureEqual("abc", "abd") {
		t.Fatal("expected mismatch")
	}
	if SignatureEqual("", "") {
		t.Fatal("empty signatures must never match")
	}
}
