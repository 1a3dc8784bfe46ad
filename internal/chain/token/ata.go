package token

import (
	"fmt"

	"github.com/blocto/solana-go-sdk/common"
)

// AssociatedTokenAddress derives the associated token account of owner for
// mint under the given token program. The result depends only on its inputs.
func AssociatedTokenAddress(owner, mint, program common.PublicKey) (common.PublicKey, error) {
	addr, _, err := common.FindProgramAddress(
		[][]byte{owner.Bytes(), program.Bytes(), mint.Bytes()},
		AssociatedTokenAccountProgramID,
	)
	if err != nil {
		return common.PublicKey{}, fmt.Errorf("derive associated token account: %w", err)
	}
	return addr, nil
}
