package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误码。客户端依赖这些字符串，修改需保持兼容。
const (
	CodeMissingFields          = "MISSING_FIELDS"
	CodeMissingRequiredField   = "MISSING_REQUIRED_FIELD"
	CodeInvalidEmail           = "INVALID_EMAIL"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInvalidToken           = "INVALID_TOKEN"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeUserNotFound           = "USER_NOT_FOUND"
	CodeNotFound               = "NOT_FOUND"
	CodeForbidden              = "FORBIDDEN"
	CodeInvalidCode            = "INVALID_CODE"
	CodeCodeExpired            = "CODE_EXPIRED"
	CodeEmailExists            = "EMAIL_EXISTS"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeInvalidAPIKey          = "INVALID_API_KEY"
	CodeInsufficientPermission = "INSUFFICIENT_PERMISSIONS"
	CodeRateLimited            = "RATE_LIMITED"
	CodePaymentProvider        = "PAYMENT_PROVIDER_ERROR"
	CodeCleanupFailed          = "CLEANUP_FAILED"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error 是带 HTTP 状态码的业务错误。
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError 创建业务错误。
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

type successBody struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// OK 返回 200 成功响应。
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, successBody{Success: true, Data: data})
}

// Created 返回 201 成功响应。
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, successBody{Success: true, Data: data})
}

// Fail 输出错误响应。非 *Error 类型一律视为内部错误，不向客户端暴露细节。
func Fail(c *gin.Context, err error) {
	apiErr, ok := err.(*Error)
	if !ok || apiErr == nil {
		apiErr = Internal()
	}
	c.JSON(apiErr.Status, errorBody{
		Success: false,
		Error:   errorDetail{Message: apiErr.Message, Code: apiErr.Code},
	})
}

// Abort 输出错误响应并终止后续 handler。
func Abort(c *gin.Context, err error) {
	Fail(c, err)
	c.Abort()
}

// Internal 通用内部错误。
func Internal() *Error {
	return NewError(http.StatusInternalServerError, CodeInternal, "internal server error")
}

// BadRequest 400 错误。
func BadRequest(code, message string) *Error {
	return NewError(http.StatusBadRequest, code, message)
}

// NotFound 404 错误。
func NotFound(code, message string) *Error {
	return NewError(http.StatusNotFound, code, message)
}
