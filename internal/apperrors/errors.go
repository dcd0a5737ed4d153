// Package apperrors 定义 mezcal 的错误分类：在 github.com/jmgilman/go/errors 的
// 错误码与可重试分类之上补充缓存/回源/图像归一化相关的错误码，并负责映射到 HTTP 状态。
package apperrors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/jmgilman/go/errors"
)

// 业务错误码。配置与输入类错误直接复用 errors.CodeInvalidConfig / errors.CodeInvalidInput。
const (
	CodeLockTimeout          errors.ErrorCode = "LOCK_TIMEOUT"
	CodeFetchFailed          errors.ErrorCode = "FETCH_FAILED"
	CodeNotAnImage           errors.ErrorCode = "NOT_AN_IMAGE"
	CodeNormalizationFailed  errors.ErrorCode = "NORMALIZATION_FAILED"
	CodeUnsupportedImageMode errors.ErrorCode = "UNSUPPORTED_IMAGE_MODE"
	CodeStorage              errors.ErrorCode = "STORAGE_ERROR"
)

// Config 表示启动阶段的配置错误（如未知的目录布局），调用方应直接退出。
func Config(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeInvalidConfig, format, args...)
}

// InvalidInput 表示请求携带的路径等参数不合法。
func InvalidInput(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeInvalidInput, format, args...)
}

// LockTimeout 表示在限定时间内无法获得缓存条目的文件锁；稍后重试是安全的。
func LockTimeout(err error, lockPath string) error {
	wrapped := errors.WrapWithContext(
		orSentinel(err, "lock wait exceeded"),
		CodeLockTimeout,
		"Unable to access mezzanine copy",
		map[string]interface{}{"lock_path": lockPath},
	)
	return errors.WithClassification(wrapped, errors.ClassificationRetryable)
}

// Fetch 包装回源失败（传输错误或非 2xx 响应）。回源失败可以在后续请求中重试。
func Fetch(err error, url string) error {
	wrapped := errors.WrapWithContext(
		orSentinel(err, "upstream request failed"),
		CodeFetchFailed,
		"Unable to retrieve resource",
		map[string]interface{}{"url": url},
	)
	return errors.WithClassification(wrapped, errors.ClassificationRetryable)
}

// NotAnImage 表示上游响应的 Content-Type 不是 image/*。
func NotAnImage(url, contentType string) error {
	err := errors.New(CodeNotAnImage, "Requested resource is not an image")
	return errors.WithContextMap(err, map[string]interface{}{
		"url":          url,
		"content_type": contentType,
	})
}

// Normalization 包装解码/编码阶段的失败，保留原始 cause 便于日志排查。
func Normalization(err error) error {
	return errors.Wrap(orSentinel(err, "normalization failed"), CodeNormalizationFailed, "Unable to create mezzanine copy")
}

// UnsupportedImageMode 表示源图像的色彩模式无法转换为 JPEG 支持的模式。
func UnsupportedImageMode(mode string, supported []string) error {
	err := errors.Newf(CodeUnsupportedImageMode, "cannot convert from image mode %q to one of: %v", mode, supported)
	return errors.WithContext(err, "mode", mode)
}

// Storage 包装 not-found 之外的文件系统错误。
func Storage(err error, op string) error {
	return errors.Wrapf(orSentinel(err, "filesystem failure"), CodeStorage, "Unable to %s", op)
}

// HasCode 沿整条错误链查找指定错误码。errors.GetCode 只返回最外层的码，
// 当 Normalization 等包装层覆盖了内部错误时需要使用本函数。
func HasCode(err error, code errors.ErrorCode) bool {
	for err != nil {
		var platformErr errors.PlatformError
		if !stderrors.As(err, &platformErr) {
			return false
		}
		if platformErr.Code() == code {
			return true
		}
		err = platformErr.Unwrap()
	}
	return false
}

// Code 返回最外层的错误码，未分类的错误返回 errors.CodeUnknown。
func Code(err error) errors.ErrorCode {
	return errors.GetCode(err)
}

// Classified 报告 err 是否已经带有错误码。
func Classified(err error) bool {
	return err != nil && errors.GetCode(err) != errors.CodeUnknown
}

// IsRetryable 透出底层库的分类判断。
func IsRetryable(err error) bool {
	return errors.IsRetryable(err)
}

// HTTPStatus 将错误映射为对外 HTTP 状态码：上游不是图片或请求参数非法返回 400，其余一律 500。
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case HasCode(err, CodeNotAnImage), HasCode(err, errors.CodeInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Response 生成对外的 JSON 错误体，只包含 code/message/classification，不泄露 cause。
func Response(err error) *errors.ErrorResponse {
	resp := errors.ToJSON(err)
	if resp != nil {
		resp.Context = nil
	}
	return resp
}

func orSentinel(err error, message string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%s", message)
}
