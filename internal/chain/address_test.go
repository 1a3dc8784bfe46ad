package chain

import (
	"strings"
	"testing"

	"github.com/mr-tron/base58"
)

func TestParseAddress(t *testing.T) {
	key, err := ParseAddress("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	if err != nil {
		t.Fatalf("parse valid address: %v", err)
	}
	if key.ToBase58() != "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb" {
		t.Fatalf("round trip mismatch: %s", key.ToBase58())
	}

	for _, bad := range []string{"", "   ", "0OIl", "abc", strings.Repeat("1", 60)} {
		if _, err := ParseAddress(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestValidSignature(t *testing.T) {
	if ValidSignature("abc") {
		t.Fatalf("short strings are not signatures")
	}
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	sig := base58.Encode(raw)
	if !ValidSignature(sig) {
		t.Fatalf("expected %s to be accepted", sig)
	}
}
