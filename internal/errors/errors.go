package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Code 是跨 API、MCP 与 CLI 稳定暴露的错误码。
type Code string

// Severity 决定告警级别与审计日志中的等级。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeConfiguration         Code = "CONFIGURATION_ERROR"
	CodeUnavailable           Code = "UNAVAILABLE"
)

// Attributes 是错误码的默认行为，单个错误可以用 Option 覆盖。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Code]Attributes)
)

func init() {
	builtin := []struct {
		code Code
		attr Attributes
	}{
		{CodeUnknown, Attributes{"unknown error", SeverityCritical, false, true}},
		{CodeInvalidArgument, Attributes{"invalid argument", SeverityInfo, false, false}},
		{CodeNotFound, Attributes{"resource not found", SeverityInfo, false, false}},
		{CodeConflict, Attributes{"resource conflict", SeverityWarning, false, false}},
		{CodeInitializationFailure, Attributes{"service not initialized", SeverityWarning, true, true}},
		{CodeStorageFailure, Attributes{"storage failure", SeverityCritical, true, true}},
		{CodeQueueFailure, Attributes{"queue failure", SeverityCritical, true, true}},
		{CodeExecutorFailure, Attributes{"executor failure", SeverityWarning, true, true}},
		// RPC 超时时交易可能已经落地，是否重试由调用方按错误码判断。
		{CodeTimeout, Attributes{"operation timed out", SeverityWarning, true, true}},
		{CodeConfiguration, Attributes{"invalid configuration", SeverityCritical, false, true}},
		{CodeUnavailable, Attributes{"upstream unavailable", SeverityWarning, true, false}},
	}
	for _, b := range builtin {
		Register(b.code, b.attr)
	}
}

// Register 登记或覆盖错误码的默认行为，业务包在 init 中调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认行为，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、可读信息、原因与附加字段。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 覆盖单个错误的属性。
type Option func(*Error)

// WithMetadata 附加一个字段，例如 mint_address 或 signature。
func WithMetadata(key, value string) Option {
	return func(e *Error) { e.setMeta(key, value) }
}

// WithRetryable 覆盖默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 覆盖默认的告警属性。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建错误，message 为空时使用错误码登记的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以新的错误码包裹 cause。cause 链上已有的附加字段会被继承，
// 同名字段以外层为准，使外层错误仍能给出 mint 地址或签名。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	if inner, ok := From(cause); ok {
		for k, v := range inner.metadata {
			if _, set := e.metadata[k]; !set {
				e.setMeta(k, v)
			}
		}
	}
	return e
}

func (e *Error) setMeta(key, value string) {
	if e.metadata == nil {
		e.metadata = make(map[string]string)
	}
	e.metadata[key] = value
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配，哨兵错误因此可以与带附加字段的实例比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 返回 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含原因的可读信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加字段的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 报告错误是否允许重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return pick(e.retryable, AttributesOf(e.code).Retryable)
}

// ShouldAlert 报告错误是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return pick(e.alert, AttributesOf(e.code).Alert)
}

// Severity 返回严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return pick(e.severity, AttributesOf(e.code).Severity)
}

func pick[T any](override *T, fallback T) T {
	if override != nil {
		return *override
	}
	return fallback
}

// From 返回错误链上最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误码，非统一错误返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// MetadataOf 读取错误链上最外层统一错误的附加字段。
func MetadataOf(err error, key string) string {
	if e, ok := From(err); ok {
		return e.metadata[key]
	}
	return ""
}

// RetryableError 报告任意 error 是否可重试，非统一错误一律不可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 报告任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回任意 error 的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// LogAttrs 将错误展开为结构化日志字段，附加字段按键排序放入 metadata 组。
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	e, ok := From(err)
	if !ok {
		return []any{slog.String("error", err.Error())}
	}
	attrs := []any{
		slog.String("error", err.Error()),
		slog.String("code", string(e.Code())),
		slog.String("severity", string(e.Severity())),
		slog.Bool("retryable", e.Retryable()),
	}
	if len(e.metadata) == 0 {
		return attrs
	}
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	group := make([]any, 0, len(keys))
	for _, k := range keys {
		group = append(group, slog.String(k, e.metadata[k]))
	}
	return append(attrs, slog.Group("metadata", group...))
}
