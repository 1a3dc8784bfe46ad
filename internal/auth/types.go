package auth

import (
	"strings"

	xerrors "OpenMCP-Solana/internal/errors"
)

const (
	// CodeUnauthorized 表示请求未携带或携带了无效的 API Key。
	CodeUnauthorized xerrors.Code = "AUTH_UNAUTHORIZED"
	// CodeForbidden 表示密钥有效但缺少所需权限。
	CodeForbidden xerrors.Code = "AUTH_FORBIDDEN"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{Message: "unauthorized", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeForbidden, xerrors.Attributes{Message: "forbidden", Severity: xerrors.SeverityWarning})
}

var (
	ErrDisabled         = xerrors.New(xerrors.CodeInitializationFailure, "authentication disabled")
	ErrMissingToken     = xerrors.New(CodeUnauthorized, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthorized, "invalid api key")
	ErrPermissionDenied = xerrors.New(CodeForbidden, "permission denied")
)

// 权限名。写权限隐含读权限。
const (
	PermissionRead  = "solagent:read"
	PermissionWrite = "solagent:write"
)

// Mode 是 auth.mode 的取值。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// Subject 是 API Key 对应的调用方。
type Subject struct {
	Name        string
	Permissions []string

	granted map[string]struct{}
}

func newSubject(name string, permissions []string) Subject {
	s := Subject{Name: name, granted: make(map[string]struct{}, len(permissions)+1)}
	for _, perm := range permissions {
		perm = normalisePermission(perm)
		if perm == "" {
			continue
		}
		s.Permissions = append(s.Permissions, perm)
		s.granted[perm] = struct{}{}
	}
	if _, ok := s.granted[PermissionWrite]; ok {
		s.granted[PermissionRead] = struct{}{}
	}
	return s
}

func normalisePermission(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}

// HasPermission 报告调用方是否拥有 permission。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	_, ok := s.granted[normalisePermission(permission)]
	return ok
}

// Authorize 要求调用方拥有全部 perms，空字符串被忽略。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return xerrors.Wrap(CodeForbidden, ErrPermissionDenied, "缺少权限 "+perm,
				xerrors.WithMetadata("permission", perm),
				xerrors.WithMetadata("caller", s.Name))
		}
	}
	return nil
}
