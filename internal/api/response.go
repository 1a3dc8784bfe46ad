package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/issuance"
	"OpenMCP-Solana/internal/lookup"
	"OpenMCP-Solana/internal/task"
	"OpenMCP-Solana/internal/tools"
	"OpenMCP-Solana/pkg/logger"
)

const maxBodyBytes = 1 << 20

// errorBody 是所有失败响应的统一结构。
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, issuance.CodeValidation, tools.CodeArgumentsInvalid,
		task.CodeTaskValidation, lookup.CodeNotTokenMint:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, lookup.CodeMintNotFound, lookup.CodeTransactionNotFound,
		task.CodeTaskNotFound, tools.CodeUnknownTool:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case issuance.CodeCreateFailed, issuance.CodeSupplyFailed, xerrors.CodeUnavailable:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Metadata = coded.Metadata()
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", append(xerrors.LogAttrs(err), slog.Int("status", status))...)
	}
	writeJSON(w, status, body)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: string(xerrors.CodeInitializationFailure), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// readBody 读取请求体；空请求体视为 {}。
func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	if len(data) > maxBodyBytes {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "请求体过大")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	return data, nil
}
