package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

var tracer = otel.Tracer("github.com/mezcal-hub/mezcal/internal/origin")

// Resource 是一次成功回源的结果，调用方负责关闭 Body。
type Resource struct {
	URL         string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Client 以 baseURL + 逻辑路径的方式访问源仓库。
type Client struct {
	baseURL string
	http    *http.Client
	auth    Authenticator
	logger  *logrus.Logger
}

// NewClient 构建源仓库客户端。auth 为 nil 时不附加认证信息。
func NewClient(baseURL string, httpClient *http.Client, auth Authenticator, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		auth:    auth,
		logger:  logger,
	}
}

// BaseURL 返回源仓库前缀。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URLFor 直接拼接前缀与逻辑路径，不做任何规范化。
func (c *Client) URLFor(repoPath string) string {
	return c.baseURL + repoPath
}

// Fetch 以 GET 请求源资源。传输错误与非 2xx 响应返回可重试的 FetchError，
// Content-Type 不是 image/* 时返回 NotAnImage。不做内部重试。
func (c *Client) Fetch(ctx context.Context, repoPath string) (res *Resource, err error) {
	started := time.Now()
	target := c.URLFor(repoPath)

	ctx, span := tracer.Start(ctx, "origin.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodGet,
			semconv.URLFull(target),
			attribute.String("origin.path", repoPath),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperrors.Fetch(err, target)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if c.auth != nil {
		if err := c.auth.Apply(req); err != nil {
			return nil, apperrors.Fetch(err, target)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logFetch(target, 0, started, err)
		return nil, apperrors.Fetch(err, target)
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err := apperrors.Fetch(fmt.Errorf("upstream responded %s", resp.Status), target)
		c.logFetch(target, resp.StatusCode, started, err)
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		resp.Body.Close()
		err := apperrors.NotAnImage(target, contentType)
		c.logFetch(target, resp.StatusCode, started, err)
		return nil, err
	}

	c.logFetch(target, resp.StatusCode, started, nil)
	return &Resource{
		URL:         target,
		ContentType: contentType,
		Size:        resp.ContentLength,
		Body:        resp.Body,
	}, nil
}

func (c *Client) logFetch(target string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":          "origin_fetch",
		"upstream":        target,
		"upstream_status": status,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("origin_fetch_failed")
		return
	}
	c.logger.WithFields(fields).Info("origin_fetch_complete")
}
