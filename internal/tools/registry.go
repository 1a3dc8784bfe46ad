// Package tools turns the issuance workflow and the lookups into named tools
// with JSON schemas. Every surface (REST, MCP, CLI, agent) invokes them through
// a Registry, which decodes arguments strictly and prefixes failures with the
// tool's context.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/observability/metrics"
	"OpenMCP-Solana/pkg/logger"
)

const (
	// CodeArgumentsInvalid 表示工具参数无法解析或未通过校验。
	CodeArgumentsInvalid xerrors.Code = "TOOL_ARGUMENTS_INVALID"
	// CodeUnknownTool 表示调用了未注册的工具。
	CodeUnknownTool xerrors.Code = "TOOL_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeArgumentsInvalid, xerrors.Attributes{
		Message:   "invalid tool arguments",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownTool, xerrors.Attributes{
		Message:   "unknown tool",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Handler executes a tool with raw JSON arguments and returns its typed output.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Definition describes one tool.
type Definition struct {
	Name        string
	Description string
	// ErrorPrefix is prepended to every failure message of the tool.
	ErrorPrefix string
	InputSchema map[string]any
	Handler     Handler
}

// Error is a failed tool invocation. It unwraps to the collaborator's error so
// coded errors survive.
type Error struct {
	Tool   string
	Prefix string
	Err    error
}

func (e *Error) Error() string {
	return e.Prefix + describe(e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// describe renders an error without the bracketed code of the outer coded error.
func describe(err error) string {
	coded, ok := err.(*xerrors.Error)
	if !ok {
		return err.Error()
	}
	msg := coded.Message()
	if cause := stdErrors.Unwrap(coded); cause != nil {
		msg += ": " + cause.Error()
	}
	return msg
}

// Registry holds tool definitions by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
	log  *slog.Logger
}

// NewRegistry builds a registry from definitions; duplicate names are rejected.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs)), log: logger.Named("tools")}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool definition requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("tool %s already registered", def.Name))
	}
	r.defs[def.Name] = def
	return nil
}

// Definitions returns all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Invoke runs a tool and returns its output as JSON. Arguments are never logged.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, xerrors.New(CodeUnknownTool, fmt.Sprintf("tool %q is not registered", name), xerrors.WithMetadata("tool", name))
	}

	start := time.Now()
	output, err := def.Handler(ctx, args)
	if err == nil {
		var raw []byte
		raw, err = json.Marshal(output)
		if err == nil {
			r.record(def.Name, "ok", time.Since(start), nil)
			return raw, nil
		}
	}
	r.record(def.Name, string(xerrors.CodeOf(err)), time.Since(start), err)
	return nil, &Error{Tool: def.Name, Prefix: def.ErrorPrefix, Err: err}
}

func (r *Registry) record(tool, outcome string, elapsed time.Duration, err error) {
	metrics.ObserveTool(tool, outcome, elapsed)
	attrs := []any{slog.String("tool", tool), slog.String("outcome", outcome), slog.Duration("duration", elapsed)}
	if err != nil {
		r.log.Warn("工具调用失败", append(attrs, xerrors.LogAttrs(err)...)...)
	} else {
		r.log.Info("工具调用完成", attrs...)
	}
	logger.Audit().Info("tool invoked", attrs...)
}

// decodeArgs strictly decodes tool arguments; unknown fields and trailing data
// are rejected.
func decodeArgs(args json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(CodeArgumentsInvalid, err, "invalid arguments")
	}
	if dec.More() {
		return xerrors.New(CodeArgumentsInvalid, "invalid arguments: trailing data after the JSON object")
	}
	return nil
}

// Schema reflects T into a JSON schema object with inlined definitions and no
// additional properties.
func Schema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(new(T))
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("tools: decode schema: %v", err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
