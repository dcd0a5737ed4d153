package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mezcal-hub/mezcal/internal/cache"
	"github.com/mezcal-hub/mezcal/internal/origin"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("LogLevel", fmt.Sprintf("无法识别的日志级别: %s", g.LogLevel))
		}
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("LogMaxSize/LogMaxBackups", "不能为负数")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if _, err := cache.ParseLayout(g.DirectoryLayout); err != nil {
		return newFieldError("DirectoryLayout", fmt.Sprintf("'%s' 不是可识别的目录布局，仅支持 basic|hashed|hashed_sharded", strings.ToUpper(g.DirectoryLayout)))
	}
	if g.LockTimeout.DurationValue() <= 0 {
		return newFieldError("LockTimeout", "必须大于 0")
	}
	if err := validateUpstream(g.RepoBaseURL); err != nil {
		return fmt.Errorf("RepoBaseURL: %w", err)
	}
	if _, err := origin.ParseAuthType(g.RepoAuthType); err != nil {
		return newFieldError("RepoAuthType", "仅支持 none|basic|jwt_token|jwt_secret")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.JPEGQuality < 1 || g.JPEGQuality > 100 {
		return newFieldError("JPEGQuality", "必须在 1-100")
	}
	if g.MaxConcurrentNormalizations < 0 {
		return newFieldError("MaxConcurrentNormalizations", "不能为负数")
	}
	if g.TracingEndpoint != "" {
		if err := validateUpstream(g.TracingEndpoint); err != nil {
			return fmt.Errorf("TracingEndpoint: %w", err)
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
