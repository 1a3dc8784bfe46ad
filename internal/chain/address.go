package chain

import (
	"fmt"
	"strings"

	"github.com/blocto/solana-go-sdk/common"
	"github.com/mr-tron/base58"
)

const addressLength = 32

// ParseAddress decodes a base58 account address and rejects anything that is
// not exactly 32 bytes.
func ParseAddress(address string) (common.PublicKey, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return common.PublicKey{}, fmt.Errorf("address is empty")
	}
	raw, err := base58.Decode(address)
	if err != nil {
		return common.PublicKey{}, fmt.Errorf("address %q is not base58: %w", address, err)
	}
	if len(raw) != addressLength {
		return common.PublicKey{}, fmt.Errorf("address %q decodes to %d bytes, want %d", address, len(raw), addressLength)
	}
	return common.PublicKeyFromBytes(raw), nil
}

// ValidSignature reports whether s looks like a base58 encoded ed25519 signature.
func ValidSignature(s string) bool {
	raw, err := base58.Decode(strings.TrimSpace(s))
	return err == nil && len(raw) == 64
}
