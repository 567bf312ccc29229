package middleware

import (
	"net/http"
	"strings"

	"taskquadrant/internal/api/response"
	"taskquadrant/internal/pkg/token"

	"github.com/gin-gonic/gin"
)

// 上下文键。
const (
	ContextUserID = "userID"
	ContextClaims = "claims"
)

var (
	errMissingAuth = response.NewError(http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
	errBadScheme   = response.NewError(http.StatusUnauthorized, response.CodeUnauthorized, "authorization header must use Bearer scheme")
	errBadToken    = response.NewError(http.StatusUnauthorized, response.CodeInvalidToken, "invalid or expired token")
)

// AuthMiddleware 校验 Bearer JWT，并将 userID 与 claims 写入上下文。
func AuthMiddleware(issuer *token.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, apiErr := Authenticate(c, issuer)
		if apiErr != nil {
			response.Abort(c, apiErr)
			return
		}
		uid, err := claims.NumericUserID()
		if err != nil {
			response.Abort(c, errBadToken)
			return
		}
		c.Set(ContextUserID, uid)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// Authenticate 解析 Bearer 令牌但不终止请求，供需要多种认证方式的接口使用。
//
// 未携带 Authorization 头时返回 UNAUTHORIZED，令牌无效时返回 INVALID_TOKEN。
func Authenticate(c *gin.Context, issuer *token.Issuer) (*token.Claims, *response.Error) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return nil, errMissingAuth
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, errBadScheme
	}
	claims, err := issuer.Parse(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, errBadToken
	}
	return claims, nil
}

// UserID 返回 AuthMiddleware 写入的用户 ID。
func UserID(c *gin.Context) uint {
	if v, ok := c.Get(ContextUserID); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}

// Claims 返回 AuthMiddleware 写入的令牌载荷。
func Claims(c *gin.Context) *token.Claims {
	if v, ok := c.Get(ContextClaims); ok {
		if claims, ok := v.(*token.Claims); ok {
			return claims
		}
	}
	return nil
}
