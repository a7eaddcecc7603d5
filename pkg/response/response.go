// Package response writes the JSON envelope every endpoint answers with:
//
//	{"success": true, "data": ...}
//	{"success": false, "error": {"code": "...", "message": "..."}}
package response

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Code is the machine-readable error identifier clients switch on.
type Code string

const (
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeValidation      Code = "VALIDATION_FAILED"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeDurationCap     Code = "DURATION_CAP_EXCEEDED"
	CodeDailyLimit      Code = "DAILY_LIMIT_EXCEEDED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeUnprocessable   Code = "UNPROCESSABLE_ENTITY"
	CodeTooManyRequests Code = "TOO_MANY_REQUESTS"
)

var statusCodes = map[int]Code{
	http.StatusBadRequest:          CodeBadRequest,
	http.StatusUnauthorized:        CodeUnauthorized,
	http.StatusForbidden:           CodeForbidden,
	http.StatusNotFound:            CodeNotFound,
	http.StatusConflict:            CodeConflict,
	http.StatusUnprocessableEntity: CodeUnprocessable,
	http.StatusTooManyRequests:     CodeTooManyRequests,
	http.StatusServiceUnavailable:  CodeUnavailable,
}

type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// JSON wraps data in a success envelope. Any non-2xx status is reported as unsuccessful.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	write(w, status, Envelope{Success: status >= 200 && status < 300, Data: data})
}

func OK(w http.ResponseWriter, data interface{})      { JSON(w, http.StatusOK, data) }
func Created(w http.ResponseWriter, data interface{}) { JSON(w, http.StatusCreated, data) }

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes a failure envelope with an explicit code.
func Error(w http.ResponseWriter, status int, code Code, message string) {
	write(w, status, Envelope{Error: &ErrorBody{Code: code, Message: message}})
}

// Fail writes a failure envelope using the default code for status.
func Fail(w http.ResponseWriter, status int, message string) {
	code, ok := statusCodes[status]
	if !ok {
		code = CodeInternal
	}
	Error(w, status, code, message)
}

func BadRequest(w http.ResponseWriter, message string)   { Fail(w, http.StatusBadRequest, message) }
func Unauthorized(w http.ResponseWriter, message string) { Fail(w, http.StatusUnauthorized, message) }
func Forbidden(w http.ResponseWriter, message string)    { Fail(w, http.StatusForbidden, message) }
func NotFound(w http.ResponseWriter, message string)     { Fail(w, http.StatusNotFound, message) }
func Conflict(w http.ResponseWriter, message string)     { Fail(w, http.StatusConflict, message) }
func InternalError(w http.ResponseWriter, message string) {
	Fail(w, http.StatusInternalServerError, message)
}

// TooManyRequests is the per-client throttle response.
func TooManyRequests(w http.ResponseWriter, message string) {
	Error(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// Unavailable writes 503 with a Retry-After hint.
func Unavailable(w http.ResponseWriter, retryAfter time.Duration, message string) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	Fail(w, http.StatusServiceUnavailable, message)
}
