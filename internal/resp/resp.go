// Package resp 定义统一的 JSON 响应包络 {code, message, data, request_id, trace_id}。
package resp

import (
	"encoding/json"
	"net/http"
)

// 业务码约定：0 表示成功，其余为错误。
const (
	CodeOK            = 0
	CodeInvalidParam  = 10001
	CodeUnauthorized  = 10002
	CodeForbidden     = 10003
	CodeNotFound      = 10004
	CodeConflict      = 10009
	CodeTooManyReq    = 10029
	CodeTimeout       = 10408
	CodeInternalError = 10500
)

// Response 统一响应体
type Response[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      T      `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// HTTPStatusFromCode 将业务码映射为 HTTP 状态码
func HTTPStatusFromCode(code int) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTooManyReq:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON 写出任意业务码与数据
func WriteJSON(w http.ResponseWriter, status, code int, message string, data any, reqID, traceID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response[any]{
		Code:      code,
		Message:   message,
		Data:      data,
		RequestID: reqID,
		TraceID:   traceID,
	})
}

// OK 写出成功响应
func OK(w http.ResponseWriter, data any, reqID, traceID string) {
	WriteJSON(w, http.StatusOK, CodeOK, "ok", data, reqID, traceID)
}

// Error 写出错误响应（无数据）
func Error(w http.ResponseWriter, status, code int, message, reqID, traceID string) {
	WriteJSON(w, status, code, message, nil, reqID, traceID)
}
