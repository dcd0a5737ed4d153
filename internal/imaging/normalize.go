package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"runtime"
	"time"

	// 注册额外的解码器。
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

const (
	// DefaultMaxPixels 与常见图像库的解压炸弹阈值一致。
	DefaultMaxPixels int64 = 89478485
	// DefaultQuality 是输出 JPEG 的默认质量。
	DefaultQuality = 75
)

var tracer = otel.Tracer("github.com/mezcal-hub/mezcal/internal/imaging")

// Options 控制归一化的资源上限与输出质量。
type Options struct {
	// MaxPixels >0 为像素上限，0 使用 DefaultMaxPixels，<0 表示不限制。
	// 超过上限记录告警，超过两倍上限拒绝解码。
	MaxPixels int64
	// Quality 为 1..100，0 使用 DefaultQuality。
	Quality int
	// MaxConcurrent 限制同时进行的解码数量，<=0 使用 CPU 核数。
	MaxConcurrent int64
}

// Normalizer 把源图像转换为规范 JPEG，可被多个 goroutine 共享。
type Normalizer struct {
	maxPixels int64
	quality   int
	sem       *semaphore.Weighted
	logger    *logrus.Logger
}

// New 根据 opts 构建 Normalizer，未设置的字段使用默认值。
func New(opts Options, logger *logrus.Logger) *Normalizer {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	maxPixels := opts.MaxPixels
	switch {
	case maxPixels == 0:
		maxPixels = DefaultMaxPixels
	case maxPixels < 0:
		logger.WithField("action", "normalizer_init").
			Warn("MaxImagePixels 设置为不限制，仅应在源仓库可信时使用")
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	concurrent := opts.MaxConcurrent
	if concurrent <= 0 {
		concurrent = int64(runtime.NumCPU())
	}

	return &Normalizer{
		maxPixels: maxPixels,
		quality:   quality,
		sem:       semaphore.NewWeighted(concurrent),
		logger:    logger,
	}
}

// Normalize 读取 src 的全部字节，解码、按 EXIF 方向旋转、调整色彩模式后以 JPEG 写入 dst。
// 色彩模式不受支持时返回 UnsupportedImageMode，其余失败统一包装为 NormalizationError。
// 在确定可以编码之前不会向 dst 写入任何字节。
func (n *Normalizer) Normalize(ctx context.Context, dst io.Writer, src io.Reader) (err error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "imaging.normalize")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := n.sem.Acquire(ctx, 1); err != nil {
		return apperrors.Normalization(err)
	}
	defer n.sem.Release(1)

	data, err := io.ReadAll(src)
	if err != nil {
		return apperrors.Normalization(fmt.Errorf("read source: %w", err))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return apperrors.Normalization(fmt.Errorf("decode header: %w", err))
	}
	if err := n.checkPixels(cfg); err != nil {
		return apperrors.Normalization(err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return apperrors.Normalization(fmt.Errorf("decode %s: %w", format, err))
	}

	mode, err := classifySource(img, format, data)
	span.SetAttributes(
		attribute.String("image.format", format),
		attribute.String("image.mode", mode),
		attribute.Int("image.width", cfg.Width),
		attribute.Int("image.height", cfg.Height),
	)
	if err != nil {
		return err
	}

	orientation := readOrientation(data)
	span.SetAttributes(attribute.Int("image.orientation", orientation))

	out, err := reconcile(img, mode)
	if err != nil {
		return err
	}
	out = orient(out, orientation)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: n.quality}); err != nil {
		return apperrors.Normalization(fmt.Errorf("encode jpeg: %w", err))
	}
	if _, err := buf.WriteTo(dst); err != nil {
		return apperrors.Normalization(fmt.Errorf("write jpeg: %w", err))
	}

	n.logger.WithFields(logrus.Fields{
		"action":      "normalize",
		"format":      format,
		"mode":        mode,
		"orientation": orientation,
		"width":       out.Bounds().Dx(),
		"height":      out.Bounds().Dy(),
		"elapsed_ms":  time.Since(started).Milliseconds(),
	}).Debug("image_normalized")
	return nil
}

func (n *Normalizer) checkPixels(cfg image.Config) error {
	if n.maxPixels < 0 {
		return nil
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if pixels > 2*n.maxPixels {
		return fmt.Errorf("image size (%d pixels) exceeds limit of %d pixels, could be decompression bomb", pixels, 2*n.maxPixels)
	}
	if pixels > n.maxPixels {
		n.logger.WithFields(logrus.Fields{
			"action": "normalize",
			"pixels": pixels,
			"limit":  n.maxPixels,
		}).Warn("image_pixels_over_limit")
	}
	return nil
}
