// Package middleware 提供 HTTP 中间件：请求 ID、链路追踪、恢复、超时、CORS、访问日志，
// 以及 gin 层的操作员认证与幂等键校验。
package middleware

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/MorseWayne/stock_engine/internal/domain"
)

// contextKey 用于在上下文中存取特定键，避免与外部键冲突。
type contextKey string

// 约定的上下文键集合。
const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyOperator  contextKey = "operator"
)

// withRequestID 将请求 ID 写入上下文。
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext 从上下文中读取请求 ID（可能为空）。
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(contextKeyRequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// TraceIDFromContext 返回当前 span 的 trace ID，未采样时为空。
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// WithOperator 将已认证的操作员写入上下文。
func WithOperator(ctx context.Context, op *domain.Operator) context.Context {
	return context.WithValue(ctx, contextKeyOperator, op)
}

// OperatorFromContext 读取已认证的操作员（未认证时为 nil）。
func OperatorFromContext(ctx context.Context) *domain.Operator {
	if op, ok := ctx.Value(contextKeyOperator).(*domain.Operator); ok {
		return op
	}
	return nil
}
