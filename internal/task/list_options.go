package task

import (
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的任务在前，默认值。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的任务在前。
	SortByUpdatedAsc
)

// ListOptions 是 List 与 Stats 共用的过滤条件。Stats 忽略 Limit、Offset 与 Order。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Tool       string
	// ErrorCode 精确匹配失败任务记录的错误码，例如 ISSUANCE_SUPPLY_FAILED。
	ErrorCode string
	Query     string
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Tool = strings.TrimSpace(opts.Tool)
	opts.ErrorCode = strings.ToUpper(strings.TrimSpace(opts.ErrorCode))
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置返回数量上限，超过 100 时截断。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 offset 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只保留指定状态，未知状态被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append([]Status(nil), statuses...)
	}
}

// WithUpdatedSince 只保留 ts 之后（含）更新的任务，零值取消过滤。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 只保留 ts 之前（含）更新的任务，零值取消过滤。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithTool 按工具名精确过滤。
func WithTool(tool string) ListOption {
	return func(opts *ListOptions) { opts.Tool = tool }
}

// WithErrorCode 按失败错误码过滤，大小写不敏感。
func WithErrorCode(code string) ListOption {
	return func(opts *ListOptions) { opts.ErrorCode = code }
}

// WithQuery 在 ID、目标、参数、错误与结果文本中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions 应用选项并补齐默认值，供 Service 之外直接使用 Store 的调用方。
func BuildListOptions(opts ...ListOption) ListOptions {
	return buildListOptions(opts)
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// normalizeStatuses 去重并丢弃未知状态，结果为空时返回 nil 表示不过滤。
func normalizeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if !IsValidStatus(status) || containsStatus(result, status) {
			continue
		}
		result = append(result, status)
	}
	return result
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
