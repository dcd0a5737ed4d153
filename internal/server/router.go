package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ImageHandler serves, removes and looks up cached images. It allows
// injecting fake handlers during tests.
type ImageHandler interface {
	Get(c fiber.Ctx, repoPath string) error
	Delete(c fiber.Ctx, repoPath string) error
	Home(c fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger       *logrus.Logger
	Images       ImageHandler
	ListenPort   int
	ServerHeader string
}

const (
	contextKeyRequestID = "_mezcal_request_id"

	// ImagePrefix is the URL prefix under which repository paths are served.
	ImagePrefix = "/images/"
)

// NewApp builds a Fiber application with request-ID middleware, panic
// recovery and the image routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Images == nil {
		return nil, errors.New("image handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ServerHeader:  opts.ServerHeader,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/", opts.Images.Home)
	app.Add([]string{fiber.MethodGet, fiber.MethodHead}, ImagePrefix+"*", func(c fiber.Ctx) error {
		return opts.Images.Get(c, RepoPath(c))
	})
	app.Delete(ImagePrefix+"*", func(c fiber.Ctx) error {
		return opts.Images.Delete(c, RepoPath(c))
	})

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return renderNotFound(c, opts.Logger)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderNotFound(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action":     "route_lookup",
		"method":     c.Method(),
		"path":       c.Path(),
		"request_id": RequestID(c),
	}).Warn("route not found")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "not_found",
	})
}

// RepoPath returns the repository path captured by the trailing wildcard,
// percent-decoded when possible.
func RepoPath(c fiber.Ctx) string {
	raw := c.Params("*")
	if !strings.Contains(raw, "%") {
		return raw
	}
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
