// Package signer resolves the fee payer / mint authority keypair once per
// process. The private key never leaves this package in printable form.
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/blocto/solana-go-sdk/common"
	"github.com/blocto/solana-go-sdk/types"
	"github.com/mr-tron/base58"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
)

const keypairLength = 64

// Signer holds the fee payer keypair. Its fmt and slog renderings only expose
// the public address.
type Signer struct {
	account types.Account
}

// Parse decodes a secret given either as a base58 string or as a JSON byte
// array such as the one written by solana-keygen.
func Parse(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "signer secret is empty")
	}

	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "signer secret is not a JSON byte array")
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("signer secret byte %d out of range", i))
			}
			raw[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(secret)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "signer secret is not valid base58")
		}
		raw = decoded
	}
	return FromBytes(raw)
}

// FromBytes builds a signer from a 64 byte ed25519 keypair.
func FromBytes(raw []byte) (*Signer, error) {
	if len(raw) != keypairLength {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("signer secret has %d bytes, want %d", len(raw), keypairLength))
	}
	account, err := types.AccountFromBytes(raw)
	if err != nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "signer secret is not a valid keypair")
	}
	return &Signer{account: account}, nil
}

// FromAccount wraps an existing account, mainly for tests and tooling.
func FromAccount(account types.Account) *Signer {
	return &Signer{account: account}
}

// Account returns the keypair for transaction signing.
func (s *Signer) Account() types.Account {
	return s.account
}

// PublicKey returns the fee payer public key.
func (s *Signer) PublicKey() common.PublicKey {
	return s.account.PublicKey
}

// Address returns the base58 fee payer address.
func (s *Signer) Address() string {
	return s.account.PublicKey.ToBase58()
}

// String implements fmt.Stringer without exposing key material.
func (s *Signer) String() string {
	if s == nil {
		return "signer(<nil>)"
	}
	return "signer(" + s.Address() + ")"
}

// GoString keeps %#v from dumping the private key.
func (s *Signer) GoString() string {
	return s.String()
}

// LogValue implements slog.LogValuer.
func (s *Signer) LogValue() slog.Value {
	if s == nil {
		return slog.StringValue("")
	}
	return slog.StringValue(s.Address())
}

// Source loads the secret material from somewhere.
type Source interface {
	Load(ctx context.Context) (*Signer, error)
}

// EnvSource reads the secret from a process environment variable.
type EnvSource struct {
	Var string
}

// Load implements Source.
func (s EnvSource) Load(context.Context) (*Signer, error) {
	value, ok := os.LookupEnv(s.Var)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "signer secret environment variable is not set",
			xerrors.WithMetadata("env", s.Var))
	}
	signer, err := Parse(value)
	if err != nil {
		return nil, withSource(err, "env", s.Var)
	}
	return signer, nil
}

// FileSource reads the secret from a keypair file.
type FileSource struct {
	Path string
}

// Load implements Source.
func (s FileSource) Load(context.Context) (*Signer, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "read signer keypair file",
			xerrors.WithMetadata("path", s.Path))
	}
	signer, err := Parse(string(content))
	if err != nil {
		return nil, withSource(err, "path", s.Path)
	}
	return signer, nil
}

// AccessFunc fetches a secret payload by resource name.
type AccessFunc func(ctx context.Context, name string) ([]byte, error)

// SecretManagerSource reads the secret from Google Secret Manager.
type SecretManagerSource struct {
	Name   string
	Access AccessFunc
}

// NewSecretManagerSource dials Secret Manager with application default
// credentials. The returned close function releases the client.
func NewSecretManagerSource(ctx context.Context, name string) (*SecretManagerSource, func() error, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "create secret manager client")
	}
	access := func(ctx context.Context, name string) ([]byte, error) {
		resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return nil, err
		}
		if resp == nil || resp.Payload == nil {
			return nil, fmt.Errorf("secret %s has no payload", name)
		}
		return resp.Payload.Data, nil
	}
	return &SecretManagerSource{Name: secretVersionName(name), Access: access}, client.Close, nil
}

// Load implements Source.
func (s *SecretManagerSource) Load(ctx context.Context) (*Signer, error) {
	payload, err := s.Access(ctx, s.Name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "access signer secret",
			xerrors.WithMetadata("resource", s.Name))
	}
	signer, err := Parse(string(payload))
	if err != nil {
		return nil, withSource(err, "resource", s.Name)
	}
	return signer, nil
}

func secretVersionName(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "/versions/") {
		return name
	}
	return strings.TrimSuffix(name, "/") + "/versions/latest"
}

func withSource(err error, key, value string) error {
	if e, ok := xerrors.From(err); ok {
		return xerrors.New(e.Code(), e.Message(), xerrors.WithMetadata(key, value))
	}
	return err
}

// Load resolves the signer configured in cfg.
func Load(ctx context.Context, cfg config.SignerConfig) (*Signer, error) {
	switch strings.ToLower(cfg.Source) {
	case "", "env":
		name := cfg.EnvVar
		if name == "" {
			name = "SOLANA_SECRET_KEY"
		}
		return EnvSource{Var: name}.Load(ctx)
	case "file":
		return FileSource{Path: cfg.Path}.Load(ctx)
	case "gcp_secret_manager":
		source, closeFn, err := NewSecretManagerSource(ctx, cfg.SecretName)
		if err != nil {
			return nil, err
		}
		defer closeFn()
		return source.Load(ctx)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unsupported signer source %q", cfg.Source))
	}
}
