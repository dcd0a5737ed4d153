package imaging

import (
	"bytes"
	"image"

	"github.com/rwcarlsen/goexif/exif"
)

// readOrientation 从源字节中读取 EXIF Orientation，缺失或非法时返回 1。
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// orient 按 EXIF 方向值 1..8 重排像素，使输出无需元数据即可正确显示。
// 5..8 会交换宽高。*image.Gray、*image.CMYK 与 *image.RGBA 保持原类型，其它类型先转为 RGBA。
func orient(img image.Image, o int) image.Image {
	if o < 2 || o > 8 {
		return img
	}
	switch src := img.(type) {
	case *image.Gray:
		dst := image.NewGray(orientedRect(src.Bounds(), o))
		remap(dst.Pix, dst.Stride, src.Pix, src.Stride, 1, src.Bounds(), o)
		return dst
	case *image.CMYK:
		dst := image.NewCMYK(orientedRect(src.Bounds(), o))
		remap(dst.Pix, dst.Stride, src.Pix, src.Stride, 4, src.Bounds(), o)
		return dst
	case *image.RGBA:
		dst := image.NewRGBA(orientedRect(src.Bounds(), o))
		remap(dst.Pix, dst.Stride, src.Pix, src.Stride, 4, src.Bounds(), o)
		return dst
	default:
		return orient(toRGBA(img), o)
	}
}

func orientedRect(b image.Rectangle, o int) image.Rectangle {
	if o >= 5 {
		return image.Rect(0, 0, b.Dy(), b.Dx())
	}
	return image.Rect(0, 0, b.Dx(), b.Dy())
}

// remap 把 src 中 (x, y) 处的像素复制到方向变换后的位置。
func remap(dst []byte, dstStride int, src []byte, srcStride, bpp int, b image.Rectangle, o int) {
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := orientPoint(x, y, w, h, o)
			si := y*srcStride + x*bpp
			di := dy*dstStride + dx*bpp
			copy(dst[di:di+bpp], src[si:si+bpp])
		}
	}
}

func orientPoint(x, y, w, h, o int) (int, int) {
	switch o {
	case 2:
		return w - 1 - x, y
	case 3:
		return w - 1 - x, h - 1 - y
	case 4:
		return x, h - 1 - y
	case 5:
		return y, x
	case 6:
		return h - 1 - y, x
	case 7:
		return h - 1 - y, w - 1 - x
	case 8:
		return y, w - 1 - x
	default:
		return x, y
	}
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, img.At(x, y))
		}
	}
	return dst
}
