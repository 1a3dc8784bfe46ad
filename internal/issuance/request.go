package issuance

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"OpenMCP-Solana/internal/chain"
)

// Field limits follow the conventions wallets and explorers display.
const (
	DefaultDecimals uint8 = 6
	MaxDecimals     uint8 = 9
	MaxNameLength         = 32
	MaxSymbolLength       = 10
	MaxURILength          = 200
)

// Request describes one token issuance. It is immutable once validated.
type Request struct {
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Decimals      *uint8 `json:"decimals,omitempty"`
	URI           string `json:"uri"`
	InitialSupply Amount `json:"initialSupply"`
}

// DecimalsOrDefault returns the requested decimals or DefaultDecimals.
func (r Request) DecimalsOrDefault() uint8 {
	if r.Decimals == nil {
		return DefaultDecimals
	}
	return *r.Decimals
}

// Validate checks every field and the base unit conversion before any network
// call is made.
func (r Request) Validate() error {
	var errs []error
	name := strings.TrimSpace(r.Name)
	switch {
	case name == "":
		errs = append(errs, errors.New("name is required"))
	case utf8.RuneCountInString(name) > MaxNameLength:
		errs = append(errs, fmt.Errorf("name must be at most %d characters", MaxNameLength))
	}
	symbol := strings.TrimSpace(r.Symbol)
	switch {
	case symbol == "":
		errs = append(errs, errors.New("symbol is required"))
	case utf8.RuneCountInString(symbol) > MaxSymbolLength:
		errs = append(errs, fmt.Errorf("symbol must be at most %d characters", MaxSymbolLength))
	}
	if err := validateURI(r.URI); err != nil {
		errs = append(errs, err)
	}
	decimals := r.DecimalsOrDefault()
	if decimals > MaxDecimals {
		errs = append(errs, fmt.Errorf("decimals must be between 0 and %d", MaxDecimals))
	}
	if !r.InitialSupply.IsSet() {
		errs = append(errs, errors.New("initialSupply is required"))
	} else if decimals <= MaxDecimals {
		if _, err := r.InitialSupply.BaseUnits(decimals); err != nil {
			errs = append(errs, fmt.Errorf("initialSupply: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateURI(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("uri is required")
	}
	if len(raw) > MaxURILength {
		return fmt.Errorf("uri must be at most %d bytes", MaxURILength)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("uri %q must be an absolute URI", raw)
	}
	return nil
}

// normalized returns a copy with surrounding whitespace removed.
func (r Request) normalized() Request {
	r.Name = strings.TrimSpace(r.Name)
	r.Symbol = strings.TrimSpace(r.Symbol)
	r.URI = strings.TrimSpace(r.URI)
	d := r.DecimalsOrDefault()
	r.Decimals = &d
	return r
}

// SupplyRequest mints the initial supply of an existing mint. It is the
// resumable second half of an issuance, keyed by mint address.
type SupplyRequest struct {
	MintAddress   string `json:"mintAddress"`
	Decimals      uint8  `json:"decimals"`
	InitialSupply Amount `json:"initialSupply"`
}

// Validate checks the mint address and the base unit conversion.
func (r SupplyRequest) Validate() error {
	var errs []error
	if _, err := chain.ParseAddress(r.MintAddress); err != nil {
		errs = append(errs, fmt.Errorf("mintAddress: %w", err))
	}
	if r.Decimals > MaxDecimals {
		errs = append(errs, fmt.Errorf("decimals must be between 0 and %d", MaxDecimals))
	} else if !r.InitialSupply.IsSet() {
		errs = append(errs, errors.New("initialSupply is required"))
	} else if _, err := r.InitialSupply.BaseUnits(r.Decimals); err != nil {
		errs = append(errs, fmt.Errorf("initialSupply: %w", err))
	}
	return errors.Join(errs...)
}
