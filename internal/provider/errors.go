package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorType 对 provider 调用失败的分类
type ErrorType string

const (
	ErrorTypeMissingAPIKey   ErrorType = "missing_api_key"
	ErrorTypeUnknownProvider ErrorType = "unknown_provider"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeAuth            ErrorType = "authentication"
	ErrorTypeHTTPStatus      ErrorType = "http_status"
	ErrorTypeInvalidResponse ErrorType = "invalid_response"
)

var (
	ErrMissingAPIKey   = errors.New("missing api key")
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderError 单次调用失败。执行器捕获后记为失败的 BatchItem，不中断整个实验。
type ProviderError struct {
	Provider   string
	Type       ErrorType
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: [%s:%d] %s", e.Provider, e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: [%s] %s", e.Provider, e.Type, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsMissingAPIKey 预检失败（key 缺失）与运行期失败需要区分处理
func IsMissingAPIKey(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Type == ErrorTypeMissingAPIKey
}

func missingKeyError(provider string) error {
	return &ProviderError{
		Provider: provider,
		Type:     ErrorTypeMissingAPIKey,
		Message:  "API key missing for provider",
		Cause:    ErrMissingAPIKey,
	}
}

// transportError 把 http.Client 的错误归类为超时或网络错误
func transportError(provider string, err error) error {
	errType := ErrorTypeNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		errType = ErrorTypeTimeout
	}
	return &ProviderError{
		Provider: provider,
		Type:     errType,
		Message:  err.Error(),
		Cause:    err,
	}
}

func invalidResponseError(provider string, err error) error {
	return &ProviderError{
		Provider: provider,
		Type:     ErrorTypeInvalidResponse,
		Message:  err.Error(),
		Cause:    err,
	}
}

// statusError 解析非 2xx 响应。各家错误体都有 message 字段，只是嵌套层级不同。
func statusError(provider string, statusCode int, body []byte) error {
	var envelope struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	msg := ""
	if json.Unmarshal(body, &envelope) == nil {
		msg = envelope.Message
		if msg == "" && len(envelope.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				msg = nested.Message
			} else {
				var plain string
				if json.Unmarshal(envelope.Error, &plain) == nil {
					msg = plain
				}
			}
		}
	}
	if msg == "" {
		msg = truncate(strings.TrimSpace(string(body)), 500)
	}

	return &ProviderError{
		Provider:   provider,
		Type:       classifyStatus(statusCode),
		StatusCode: statusCode,
		Message:    msg,
	}
}

func classifyStatus(statusCode int) ErrorType {
	switch statusCode {
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorTypeAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	default:
		return ErrorTypeHTTPStatus
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
