package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/blocto/solana-go-sdk/common"
	"github.com/near/borsh-go"
)

// Account sizes in bytes.
const (
	MintSize         = 82
	TokenAccountSize = 165
	// extension TLVs start after the padded base account and one account type byte
	extensionOffset   = TokenAccountSize + 1
	tlvHeaderSize     = 4
	metadataPointerSz = 2 * publicKeySize

	extensionMetadataPointer uint16 = 18
	extensionTokenMetadata   uint16 = 19
)

// MintSizeWithMetadataPointer is the space allocated for a Token-2022 mint
// carrying only the metadata pointer extension.
const MintSizeWithMetadataPointer = extensionOffset + tlvHeaderSize + metadataPointerSz

// MetadataSize returns the bytes the token-metadata TLV entry will occupy for
// the given fields, header included, with no additional key/value pairs.
func MetadataSize(name, symbol, uri string) uint64 {
	body := 2*publicKeySize + 4 + len(name) + 4 + len(symbol) + 4 + len(uri) + 4
	return uint64(tlvHeaderSize + body)
}

// ErrInvalidLayout is returned when account data is too short or uninitialised.
var ErrInvalidLayout = errors.New("invalid token account layout")

// Mint is the decoded base state of a mint account.
type Mint struct {
	MintAuthority   *common.PublicKey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority *common.PublicKey
	MetadataAddress *common.PublicKey
	Metadata        *Metadata
}

// Metadata is the Token-2022 embedded token metadata.
type Metadata struct {
	UpdateAuthority common.PublicKey
	Mint            common.PublicKey
	Name            string
	Symbol          string
	URI             string
	Additional      map[string]string
}

type metadataLayout struct {
	UpdateAuthority [32]byte
	Mint            [32]byte
	Name            string
	Symbol          string
	URI             string
	Additional      []metadataPair
}

type metadataPair struct {
	Key   string
	Value string
}

// DecodeMint parses mint account data of either token program.
func DecodeMint(data []byte) (*Mint, error) {
	if len(data) < MintSize {
		return nil, fmt.Errorf("%w: mint data has %d bytes", ErrInvalidLayout, len(data))
	}
	mint := &Mint{
		MintAuthority:   readOptionalKey(data[0:36]),
		Supply:          binary.LittleEndian.Uint64(data[36:44]),
		Decimals:        data[44],
		IsInitialized:   data[45] == 1,
		FreezeAuthority: readOptionalKey(data[46:82]),
	}
	if !mint.IsInitialized {
		return nil, fmt.Errorf("%w: mint is not initialised", ErrInvalidLayout)
	}
	if len(data) > extensionOffset {
		if value, ok := findExtension(data[extensionOffset:], extensionMetadataPointer); ok && len(value) == metadataPointerSz {
			addr := common.PublicKeyFromBytes(value[publicKeySize:])
			mint.MetadataAddress = &addr
		}
		value, ok := findExtension(data[extensionOffset:], extensionTokenMetadata)
		if ok {
			md, err := decodeMetadata(value)
			if err != nil {
				return nil, err
			}
			mint.Metadata = md
		}
	}
	return mint, nil
}

// TokenAccount is the decoded base state of a token account.
type TokenAccount struct {
	Mint   common.PublicKey
	Owner  common.PublicKey
	Amount uint64
}

// DecodeTokenAccount parses token account data of either token program.
func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) < TokenAccountSize {
		return nil, fmt.Errorf("%w: token account data has %d bytes", ErrInvalidLayout, len(data))
	}
	return &TokenAccount{
		Mint:   common.PublicKeyFromBytes(data[0:32]),
		Owner:  common.PublicKeyFromBytes(data[32:64]),
		Amount: binary.LittleEndian.Uint64(data[64:72]),
	}, nil
}

// FormatAmount renders raw base units as a decimal string with trailing
// fractional zeros removed.
func FormatAmount(raw uint64, decimals uint8) string {
	value := new(big.Int).SetUint64(raw).String()
	if decimals == 0 {
		return value
	}
	d := int(decimals)
	if len(value) <= d {
		value = strings.Repeat("0", d-len(value)+1) + value
	}
	intPart, frac := value[:len(value)-d], strings.TrimRight(value[len(value)-d:], "0")
	if frac == "" {
		return intPart
	}
	return intPart + "." + frac
}

func readOptionalKey(b []byte) *common.PublicKey {
	if binary.LittleEndian.Uint32(b[0:4]) == 0 {
		return nil
	}
	key := common.PublicKeyFromBytes(b[4:36])
	return &key
}

func findExtension(tlv []byte, want uint16) ([]byte, bool) {
	for len(tlv) >= tlvHeaderSize {
		typ := binary.LittleEndian.Uint16(tlv[0:2])
		size := int(binary.LittleEndian.Uint16(tlv[2:4]))
		if typ == 0 && size == 0 {
			return nil, false
		}
		if len(tlv) < tlvHeaderSize+size {
			return nil, false
		}
		if typ == want {
			return tlv[tlvHeaderSize : tlvHeaderSize+size], true
		}
		tlv = tlv[tlvHeaderSize+size:]
	}
	return nil, false
}

func decodeMetadata(value []byte) (*Metadata, error) {
	var layout metadataLayout
	if err := borsh.Deserialize(&layout, value); err != nil {
		return nil, fmt.Errorf("%w: token metadata: %v", ErrInvalidLayout, err)
	}
	md := &Metadata{
		UpdateAuthority: common.PublicKeyFromBytes(layout.UpdateAuthority[:]),
		Mint:            common.PublicKeyFromBytes(layout.Mint[:]),
		Name:            layout.Name,
		Symbol:          layout.Symbol,
		URI:             layout.URI,
	}
	if len(layout.Additional) > 0 {
		md.Additional = make(map[string]string, len(layout.Additional))
		for _, pair := range layout.Additional {
			md.Additional[pair.Key] = pair.Value
		}
	}
	return md, nil
}
