// Package auth 以 API Key 保护 REST 接口。配置中只保存密钥的 SHA-256 摘要。
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

type keyEntry struct {
	digest  []byte
	subject Subject
}

// Service 校验请求携带的 API Key。
type Service struct {
	mode  Mode
	keys  []keyEntry
	audit *slog.Logger
}

// NewService 根据配置构造认证服务。
func NewService(cfg config.AuthConfig) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unsupported auth mode %q", cfg.Mode))
	}

	for i, key := range cfg.Keys {
		digest, err := hex.DecodeString(strings.TrimSpace(key.SHA256))
		if err != nil || len(digest) != sha256.Size {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("auth.keys[%d].sha256 must be a hex encoded SHA-256 digest", i))
		}
		name := key.Name
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		perms := key.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionRead}
		}
		subject := newSubject(name, perms)
		if len(subject.Permissions) == 0 {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("auth.keys[%d] has no usable permissions", i))
		}
		svc.keys = append(svc.keys, keyEntry{digest: digest, subject: subject})
	}
	if len(svc.keys) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "auth.mode=api_key requires at least one key")
	}
	return svc, nil
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并匹配已配置的密钥。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *keyEntry
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest) == 1 {
			matched = &s.keys[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	subject := matched.subject
	return &subject, nil
}

// HashKey 返回密钥的十六进制 SHA-256 摘要，用于写入配置。
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
