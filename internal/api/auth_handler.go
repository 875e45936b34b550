package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/resp"
	"github.com/MorseWayne/stock_engine/internal/service"
)

// AuthHandler 令牌刷新接口，令牌由运维签发
type AuthHandler struct {
	jwtService service.JWTService
	logger     *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwtService service.JWTService, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{jwtService: jwtService, logger: logger}
}

// RefreshTokenRequest 刷新令牌请求
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshToken 用刷新令牌换发新的令牌对
// POST /api/v1/auth/refresh
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "refresh_token required", requestID(c), traceID(c))
		return
	}

	pair, err := h.jwtService.RefreshTokenPair(req.RefreshToken)
	if err != nil {
		h.logger.Warn("刷新令牌失败", zap.Error(err), zap.String("request_id", requestID(c)))
		msg := "invalid refresh token"
		if errors.Is(err, service.ErrTokenExpired) {
			msg = "refresh token expired"
		}
		resp.Error(c.Writer, http.StatusUnauthorized, resp.CodeUnauthorized, msg, requestID(c), traceID(c))
		return
	}
	resp.OK(c.Writer, pair, requestID(c), traceID(c))
}
