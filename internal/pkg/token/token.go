package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TypeAccess 是访问令牌的类型标记。
const TypeAccess = "access"

// AdminTokenTTL 管理员令牌有效期。
const AdminTokenTTL = 7 * 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongType    = errors.New("unexpected token type")
)

// Claims 访问令牌载荷。
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Type   string `json:"type"`
}

// NumericUserID 将 UserID 解析为数据库主键。
func (c *Claims) NumericUserID() (uint, error) {
	id, err := strconv.ParseUint(c.UserID, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", c.UserID)
	}
	return uint(id), nil
}

// Issuer 负责签发与校验 HS256 访问令牌。
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer 创建 Issuer。
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue 签发访问令牌。
func (i *Issuer) Issue(userID, email, role string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Role:   role,
		Type:   TypeAccess,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// IssueAdmin 签发 7 天有效的管理员令牌。
func (i *Issuer) IssueAdmin(adminID, email, role string) (string, error) {
	return i.Issue(adminID, email, role, AdminTokenTTL)
}

// Parse 校验签名、过期时间与类型标记，返回载荷。
func (i *Issuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TypeAccess {
		return nil, ErrWrongType
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}
