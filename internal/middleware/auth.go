package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/resp"
	"github.com/MorseWayne/stock_engine/internal/service"
)

// GinKeyOperatorID 认证通过后写入 gin.Context 的操作员 ID 键
const GinKeyOperatorID = "operator_id"

const bearerPrefix = "Bearer "

// JWTAuth JWT认证中间件
// 验证 Authorization 头中的访问令牌，并将操作员注入请求上下文与 gin.Context
func JWTAuth(jwtService service.JWTService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		reqID := RequestIDFromContext(ctx)

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			logger.Warn("missing authorization header", zap.String("request_id", reqID))
			abortUnauthorized(c, "authorization header required")
			return
		}
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			logger.Warn("invalid authorization header format", zap.String("request_id", reqID))
			abortUnauthorized(c, "invalid authorization header format")
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		if tokenString == "" {
			abortUnauthorized(c, "token required")
			return
		}

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			logger.Warn("token validation failed",
				zap.String("request_id", reqID),
				zap.Error(err),
			)
			switch {
			case errors.Is(err, service.ErrTokenExpired):
				abortUnauthorized(c, "token expired")
			case errors.Is(err, service.ErrTokenNotReady):
				abortUnauthorized(c, "token not ready")
			default:
				abortUnauthorized(c, "invalid token")
			}
			return
		}

		op := claims.Operator()
		c.Request = c.Request.WithContext(WithOperator(ctx, op))
		c.Set(GinKeyOperatorID, op.ID)
		c.Next()
	}
}

// RequireRole 角色授权中间件，须位于 JWTAuth 之后
func RequireRole(requiredRole domain.OperatorRole, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		reqID := RequestIDFromContext(ctx)
		op := OperatorFromContext(ctx)

		if op == nil {
			logger.Error("operator not found in context", zap.String("request_id", reqID))
			abortUnauthorized(c, "authentication required")
			return
		}
		if op.Role != requiredRole {
			logger.Warn("insufficient permissions",
				zap.String("request_id", reqID),
				zap.String("operator_id", op.ID),
				zap.String("operator_role", string(op.Role)),
				zap.String("required_role", string(requiredRole)),
			)
			resp.Error(c.Writer, http.StatusForbidden, resp.CodeForbidden, "insufficient permissions", reqID, TraceIDFromContext(ctx))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin 管理员权限中间件
func RequireAdmin(logger *zap.Logger) gin.HandlerFunc {
	return RequireRole(domain.OperatorRoleAdmin, logger)
}

func abortUnauthorized(c *gin.Context, msg string) {
	ctx := c.Request.Context()
	resp.Error(c.Writer, http.StatusUnauthorized, resp.CodeUnauthorized, msg, RequestIDFromContext(ctx), TraceIDFromContext(ctx))
	c.Abort()
}
