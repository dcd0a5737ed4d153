package imaging

import (
	"image"
	"image/color"
)

// Gray16BE 是按原始大端字节保存的 16 位灰度图，对应 "I;16B" 模式。
// 像素数据保持解码时的字节布局，转换时再逐个拆包。
type Gray16BE struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// NewGray16BE 分配一张空白的 Gray16BE 图像。
func NewGray16BE(r image.Rectangle) *Gray16BE {
	return &Gray16BE{
		Pix:    make([]byte, 2*r.Dx()*r.Dy()),
		Stride: 2 * r.Dx(),
		Rect:   r,
	}
}

func (p *Gray16BE) ColorModel() color.Model { return color.Gray16Model }

func (p *Gray16BE) Bounds() image.Rectangle { return p.Rect }

func (p *Gray16BE) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return color.Gray16{}
	}
	i := p.pixOffset(x, y)
	return color.Gray16{Y: uint16(p.Pix[i])<<8 | uint16(p.Pix[i+1])}
}

func (p *Gray16BE) pixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}

// toGray 把每个大端 16 位样本除以 256 后重新打包为 8 位灰度。
func (p *Gray16BE) toGray() *image.Gray {
	w, h := p.Rect.Dx(), p.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := p.Pix[y*p.Stride:]
		for x := 0; x < w; x++ {
			sample := uint16(row[2*x])<<8 | uint16(row[2*x+1])
			dst.Pix[y*dst.Stride+x] = uint8(sample / 256)
		}
	}
	return dst
}
