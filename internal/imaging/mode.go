package imaging

import (
	"fmt"
	"image"
	"image/color"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

// 色彩模式名称沿用常见图像库的写法，便于和日志、错误信息对照。
const (
	ModeL      = "L"
	ModeRGB    = "RGB"
	ModeCMYK   = "CMYK"
	ModeRGBA   = "RGBA"
	ModeLA     = "LA"
	ModeP      = "P"
	ModeI16    = "I;16"
	ModeI16B   = "I;16B"
	ModeA      = "A"
	ModeA16    = "A;16"
	ModeRGBA16 = "RGBA;16"
)

// SupportedJPEGModes 是 JPEG 能直接承载的模式。
var SupportedJPEGModes = []string{ModeL, ModeRGB, ModeCMYK}

// Classify 返回解码结果的色彩模式；无法转换为 JPEG 模式时返回 UnsupportedImageMode。
func Classify(img image.Image) (string, error) {
	mode := modeOf(img)
	switch mode {
	case ModeL, ModeRGB, ModeCMYK, ModeRGBA, ModeP, ModeI16, ModeI16B:
		return mode, nil
	default:
		return mode, apperrors.UnsupportedImageMode(mode, SupportedJPEGModes)
	}
}

// pngColorTypeGrayAlpha 是 PNG IHDR 中 “灰度 + 透明度” 的颜色类型。
const pngColorTypeGrayAlpha = 4

// classifySource 先检查解码后会丢失的源模式，再交给 Classify。
// PNG 灰度 + 透明度会被标准库解码为 NRGBA，但源模式是 LA，不能转换为 JPEG 模式。
func classifySource(img image.Image, format string, data []byte) (string, error) {
	if format == "png" && len(data) > 25 && data[25] == pngColorTypeGrayAlpha {
		return ModeLA, apperrors.UnsupportedImageMode(ModeLA, SupportedJPEGModes)
	}
	return Classify(img)
}

func modeOf(img image.Image) string {
	switch src := img.(type) {
	case *image.Gray:
		return ModeL
	case *image.YCbCr:
		return ModeRGB
	case *image.RGBA:
		if src.Opaque() {
			return ModeRGB
		}
		return ModeRGBA
	case *image.NRGBA:
		if src.Opaque() {
			return ModeRGB
		}
		return ModeRGBA
	case *image.NYCbCrA:
		if src.Opaque() {
			return ModeRGB
		}
		return ModeRGBA
	case *image.CMYK:
		return ModeCMYK
	case *image.Paletted:
		return ModeP
	case *image.Gray16:
		return ModeI16
	case *Gray16BE:
		return ModeI16B
	case *image.Alpha:
		return ModeA
	case *image.Alpha16:
		return ModeA16
	case *image.RGBA64:
		// 48 位 RGB 按 RGB 处理，带透明度的 16 位图像不支持。
		if src.Opaque() {
			return ModeRGB
		}
		return ModeRGBA16
	case *image.NRGBA64:
		if src.Opaque() {
			return ModeRGB
		}
		return ModeRGBA16
	default:
		return fmt.Sprintf("%T", img)
	}
}

// reconcile 把图像转换为 JPEG 编码器可直接处理的模型：*image.Gray、*image.CMYK、
// *image.RGBA 或 *image.YCbCr。mode 必须来自 Classify。
func reconcile(img image.Image, mode string) (image.Image, error) {
	switch mode {
	case ModeL:
		return img, nil
	case ModeCMYK:
		return img, nil
	case ModeRGB:
		switch img.(type) {
		case *image.YCbCr, *image.RGBA:
			return img, nil
		}
		return dropAlpha(img), nil
	case ModeRGBA, ModeP:
		return dropAlpha(img), nil
	case ModeI16:
		return gray16ToGray(img.(*image.Gray16)), nil
	case ModeI16B:
		return img.(*Gray16BE).toGray(), nil
	default:
		return nil, apperrors.UnsupportedImageMode(mode, SupportedJPEGModes)
	}
}

// dropAlpha 取每个像素的非预乘颜色并丢弃透明度，调色板同时被解析为真彩色。
func dropAlpha(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// gray16ToGray 把 16 位灰度除以 256 缩放到 8 位。
func gray16ToGray(src *image.Gray16) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			v := uint16(row[2*x])<<8 | uint16(row[2*x+1])
			dst.Pix[y*dst.Stride+x] = uint8(v / 256)
		}
	}
	return dst
}
