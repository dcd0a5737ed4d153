package proxy

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
	"github.com/mezcal-hub/mezcal/internal/cache"
	"github.com/mezcal-hub/mezcal/internal/logging"
	"github.com/mezcal-hub/mezcal/internal/origin"
	"github.com/mezcal-hub/mezcal/internal/server"
)

const homeForm = `<!DOCTYPE html>
<html>
<head><title>mezcal</title></head>
<body>
<form method="get" action="/">
<label>Repository URL: <input name="url" size="120" value="%s"/></label>
<button>Fetch</button>
</form>
</body>
</html>
`

// Origin 抽象回源客户端，便于测试注入。
type Origin interface {
	BaseURL() string
	Fetch(ctx context.Context, repoPath string) (*origin.Resource, error)
}

// Handler 负责编排 “缓存命中 → 持锁回源归一化 → 流式输出” 的全流程，
// 对外暴露 Fiber handler，内部复用共享的磁盘缓存与回源客户端。
type Handler struct {
	store       *cache.Store
	origin      Origin
	logger      *logrus.Logger
	lockTimeout time.Duration
}

// NewHandler constructs an image handler backed by the store and origin.
func NewHandler(store *cache.Store, upstream Origin, logger *logrus.Logger, lockTimeout time.Duration) *Handler {
	if lockTimeout <= 0 {
		lockTimeout = cache.DefaultLockTimeout
	}
	return &Handler{
		store:       store,
		origin:      upstream,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// Get 返回 repoPath 对应的 mezzanine JPEG，缺失时持锁回源生成。HEAD 请求只返回响应头。
func (h *Handler) Get(c fiber.Ctx, repoPath string) error {
	started := time.Now()
	requestID := server.RequestID(c)

	entry, err := h.store.Resolve(repoPath)
	if err != nil {
		return h.writeError(c, repoPath, requestID, false, started, err)
	}

	cacheHit := entry.Exists()
	file, info, err := h.open(c.Context(), entry, cacheHit)
	if errors.Is(err, cache.ErrNotFound) {
		// 打开前被并发 DELETE 移除，重新生成一次。
		cacheHit = false
		file, info, err = h.open(c.Context(), entry, false)
	}
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			err = apperrors.Storage(err, "open mezzanine copy")
		}
		return h.writeError(c, repoPath, requestID, cacheHit, started, err)
	}
	defer file.Close()

	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderLastModified, info.ModTime().UTC().Format(http.TimeFormat))
	c.Set("X-Mezcal-Cache-Hit", fmt.Sprintf("%t", cacheHit))
	c.Response().Header.SetContentLength(int(info.Size()))
	c.Status(fiber.StatusOK)

	if c.Method() == fiber.MethodHead {
		h.logResult(c.Method(), repoPath, requestID, fiber.StatusOK, cacheHit, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), file)
	h.logResult(c.Method(), repoPath, requestID, fiber.StatusOK, cacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// Delete 持锁删除 repoPath 的 mezzanine 副本，不存在时同样返回 204。
func (h *Handler) Delete(c fiber.Ctx, repoPath string) error {
	started := time.Now()
	requestID := server.RequestID(c)

	entry, err := h.store.Resolve(repoPath)
	if err == nil {
		err = entry.Remove(c.Context(), h.lockTimeout)
	}
	if err != nil {
		return h.writeError(c, repoPath, requestID, false, started, err)
	}

	h.logResult(c.Method(), repoPath, requestID, fiber.StatusNoContent, false, started, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

// Home 渲染仓库 URL 表单；携带 url 参数时重定向到对应的 /images/ 路径。
func (h *Handler) Home(c fiber.Ctx) error {
	target := strings.TrimSpace(c.Query("url"))
	if target == "" {
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(fmt.Sprintf(homeForm, ""))
	}

	base := h.origin.BaseURL()
	if base == "" || !strings.HasPrefix(target, base) {
		h.logger.WithFields(logrus.Fields{
			"action":     "home",
			"url":        target,
			"request_id": server.RequestID(c),
		}).Warn("url_outside_repository")
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf(homeForm, html.EscapeString(target)))
	}

	repoPath := strings.TrimLeft(strings.TrimPrefix(target, base), "/")
	c.Set(fiber.HeaderLocation, server.ImagePrefix+escapePath(repoPath))
	return c.SendStatus(fiber.StatusFound)
}

// open 在未命中时持锁生成条目，然后打开正文。
func (h *Handler) open(ctx context.Context, entry *cache.Entry, cacheHit bool) (*os.File, os.FileInfo, error) {
	if !cacheHit {
		if _, err := entry.Ensure(ctx, h.lockTimeout, h.fetcher(entry.Path)); err != nil {
			return nil, nil, err
		}
	}
	return entry.Open()
}

// escapePath 逐段转义，保留路径分隔符。
func escapePath(repoPath string) string {
	segments := strings.Split(repoPath, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func (h *Handler) fetcher(repoPath string) cache.FetchFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		res, err := h.origin.Fetch(ctx, repoPath)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	}
}

func (h *Handler) writeError(c fiber.Ctx, repoPath, requestID string, cacheHit bool, started time.Time, err error) error {
	status := apperrors.HTTPStatus(err)
	h.logResult(c.Method(), repoPath, requestID, status, cacheHit, started, err)
	return c.Status(status).JSON(apperrors.Response(err))
}

func (h *Handler) logResult(
	method string,
	repoPath string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, repoPath, h.store.Layout().String(), cacheHit)
	fields["action"] = "image"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["code"] = apperrors.Code(err)
		fields["retryable"] = apperrors.IsRetryable(err)
		h.logger.WithFields(fields).WithError(err).Error("image_failed")
		return
	}
	h.logger.WithFields(fields).Info("image_complete")
}
