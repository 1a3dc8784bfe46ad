// Package token builds Token-2022 and SPL Token instructions, derives
// associated token accounts and decodes mint and token account layouts.
package token

import (
	"github.com/blocto/solana-go-sdk/common"
)

// Program identifiers used by the issuance workflow and the lookups.
var (
	SystemProgramID                 = common.PublicKeyFromString("11111111111111111111111111111111")
	TokenProgramID                  = common.PublicKeyFromString("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID              = common.PublicKeyFromString("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenAccountProgramID = common.PublicKeyFromString("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// ProgramName returns a short label for a token program id, or "" when the
// id is not a token program.
func ProgramName(id common.PublicKey) string {
	switch id {
	case TokenProgramID:
		return "spl-token"
	case Token2022ProgramID:
		return "token-2022"
	default:
		return ""
	}
}

// IsTokenProgram reports whether owner is one of the supported token programs.
func IsTokenProgram(owner common.PublicKey) bool {
	return ProgramName(owner) != ""
}
