package token

import (
	"fmt"

	"github.com/blocto/solana-go-sdk/common"
	ataprog "github.com/blocto/solana-go-sdk/program/associated_token_account"
	tokenprog "github.com/blocto/solana-go-sdk/program/token"
	"github.com/blocto/solana-go-sdk/types"
	"github.com/near/borsh-go"
)

// Token-2022 MetadataPointer extension instruction tags.
const (
	instructionMetadataPointer byte = 39
	metadataPointerInitialize  byte = 0
)

const publicKeySize = 32

// sha256("spl_token_metadata_interface:initialize_account")[:8]
var metadataInitializeDiscriminator = []byte{210, 225, 30, 162, 88, 184, 77, 141}

// InitializeMetadataPointerParam points a Token-2022 mint at the account that
// holds its metadata.
type InitializeMetadataPointerParam struct {
	Mint            common.PublicKey
	Authority       common.PublicKey
	MetadataAddress common.PublicKey
}

// InitializeMetadataPointer must run before InitializeMint2 on the same mint.
func InitializeMetadataPointer(p InitializeMetadataPointerParam) types.Instruction {
	data := make([]byte, 0, 2+2*publicKeySize)
	data = append(data, instructionMetadataPointer, metadataPointerInitialize)
	data = append(data, p.Authority.Bytes()...)
	data = append(data, p.MetadataAddress.Bytes()...)
	return types.Instruction{
		ProgramID: Token2022ProgramID,
		Accounts: []types.AccountMeta{
			{PubKey: p.Mint, IsSigner: false, IsWritable: true},
		},
		Data: data,
	}
}

// InitializeMint2Param configures a freshly allocated mint account.
type InitializeMint2Param struct {
	Program    common.PublicKey
	Mint       common.PublicKey
	Decimals   uint8
	MintAuth   common.PublicKey
	FreezeAuth *common.PublicKey
}

// InitializeMint2 does not require the rent sysvar account. The sdk builder
// targets the legacy token program, so the program id is replaced.
func InitializeMint2(p InitializeMint2Param) types.Instruction {
	ix := tokenprog.InitializeMint2(tokenprog.InitializeMint2Param{
		Decimals:   p.Decimals,
		Mint:       p.Mint,
		MintAuth:   p.MintAuth,
		FreezeAuth: p.FreezeAuth,
	})
	ix.ProgramID = p.Program
	return ix
}

// InitializeTokenMetadataParam writes name, symbol and uri into the metadata
// account. With Token-2022 the metadata account is the mint itself.
type InitializeTokenMetadataParam struct {
	Program         common.PublicKey
	Metadata        common.PublicKey
	UpdateAuthority common.PublicKey
	Mint            common.PublicKey
	MintAuthority   common.PublicKey
	Name            string
	Symbol          string
	URI             string
}

type metadataFields struct {
	Name   string
	Symbol string
	URI    string
}

// InitializeTokenMetadata encodes the token-metadata interface Initialize
// instruction.
func InitializeTokenMetadata(p InitializeTokenMetadataParam) (types.Instruction, error) {
	fields, err := borsh.Serialize(metadataFields{Name: p.Name, Symbol: p.Symbol, URI: p.URI})
	if err != nil {
		return types.Instruction{}, fmt.Errorf("encode token metadata: %w", err)
	}
	data := make([]byte, 0, len(metadataInitializeDiscriminator)+len(fields))
	data = append(data, metadataInitializeDiscriminator...)
	data = append(data, fields...)
	return types.Instruction{
		ProgramID: p.Program,
		Accounts: []types.AccountMeta{
			{PubKey: p.Metadata, IsSigner: false, IsWritable: true},
			{PubKey: p.UpdateAuthority, IsSigner: false, IsWritable: false},
			{PubKey: p.Mint, IsSigner: false, IsWritable: false},
			{PubKey: p.MintAuthority, IsSigner: true, IsWritable: false},
		},
		Data: data,
	}, nil
}

// CreateAssociatedTokenAccountIdempotentParam lists the accounts of the ATA
// program CreateIdempotent instruction.
type CreateAssociatedTokenAccountIdempotentParam struct {
	Funder                 common.PublicKey
	Owner                  common.PublicKey
	Mint                   common.PublicKey
	AssociatedTokenAccount common.PublicKey
	Program                common.PublicKey
}

// CreateAssociatedTokenAccountIdempotent succeeds when the account already
// exists, so re-running a supply step never fails on it. The sdk builder
// always lists the legacy token program; it is swapped for p.Program.
func CreateAssociatedTokenAccountIdempotent(p CreateAssociatedTokenAccountIdempotentParam) types.Instruction {
	ix := ataprog.CreateIdempotent(ataprog.CreateIdempotentParam{
		Funder:                 p.Funder,
		Owner:                  p.Owner,
		Mint:                   p.Mint,
		AssociatedTokenAccount: p.AssociatedTokenAccount,
	})
	for i := range ix.Accounts {
		if ix.Accounts[i].PubKey == common.TokenProgramID {
			ix.Accounts[i].PubKey = p.Program
		}
	}
	return ix
}

// MintToCheckedParam credits Amount base units of Mint to To and asserts the
// mint's decimals.
type MintToCheckedParam struct {
	Program  common.PublicKey
	Mint     common.PublicKey
	To       common.PublicKey
	Auth     common.PublicKey
	Amount   uint64
	Decimals uint8
}

// MintToChecked fails on chain when Decimals does not match the mint.
func MintToChecked(p MintToCheckedParam) types.Instruction {
	ix := tokenprog.MintToChecked(tokenprog.MintToCheckedParam{
		Mint:     p.Mint,
		Auth:     p.Auth,
		To:       p.To,
		Amount:   p.Amount,
		Decimals: p.Decimals,
	})
	ix.ProgramID = p.Program
	return ix
}
