package imaging

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
)

// 二进制 PGM（P5）：8 位样本解码为 *image.Gray，16 位样本保持大端字节解码为 *Gray16BE。
func init() {
	image.RegisterFormat("pgm", "P5", decodePGM, decodePGMConfig)
}

type pgmHeader struct {
	width, height, maxval int
}

func readPGMHeader(r *bufio.Reader) (pgmHeader, error) {
	magic := make([]byte, 2)
	if _, err := io.ReadFull(r, magic); err != nil {
		return pgmHeader{}, err
	}
	if string(magic) != "P5" {
		return pgmHeader{}, errors.New("pgm: invalid magic")
	}

	var values [3]int
	for i := range values {
		v, err := readPGMInt(r)
		if err != nil {
			return pgmHeader{}, err
		}
		values[i] = v
	}
	// 头部与像素数据之间恰好一个空白字符。
	if _, err := r.ReadByte(); err != nil {
		return pgmHeader{}, err
	}

	h := pgmHeader{width: values[0], height: values[1], maxval: values[2]}
	if h.width <= 0 || h.height <= 0 {
		return pgmHeader{}, fmt.Errorf("pgm: invalid dimensions %dx%d", h.width, h.height)
	}
	if h.maxval <= 0 || h.maxval > 65535 {
		return pgmHeader{}, fmt.Errorf("pgm: invalid maxval %d", h.maxval)
	}
	return h, nil
}

func readPGMInt(r *bufio.Reader) (int, error) {
	var (
		value   int
		digits  int
		comment bool
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && digits > 0 {
				return value, nil
			}
			return 0, err
		}
		switch {
		case comment:
			if b == '\n' || b == '\r' {
				comment = false
			}
		case b == '#' && digits == 0:
			comment = true
		case b >= '0' && b <= '9':
			value = value*10 + int(b-'0')
			digits++
			if digits > 9 {
				return 0, errors.New("pgm: header value too large")
			}
		case isPGMSpace(b):
			if digits > 0 {
				return value, r.UnreadByte()
			}
		default:
			return 0, fmt.Errorf("pgm: unexpected byte %q in header", b)
		}
	}
}

func isPGMSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

func decodePGMConfig(r io.Reader) (image.Config, error) {
	h, err := readPGMHeader(bufio.NewReader(r))
	if err != nil {
		return image.Config{}, err
	}
	cfg := image.Config{Width: h.width, Height: h.height, ColorModel: color.GrayModel}
	if h.maxval > 255 {
		cfg.ColorModel = color.Gray16Model
	}
	return cfg, nil
}

func decodePGM(r io.Reader) (image.Image, error) {
	br := bufio.NewReader(r)
	h, err := readPGMHeader(br)
	if err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, h.width, h.height)
	if h.maxval > 255 {
		img := NewGray16BE(rect)
		if _, err := io.ReadFull(br, img.Pix); err != nil {
			return nil, fmt.Errorf("pgm: short pixel data: %w", err)
		}
		return img, nil
	}
	img := image.NewGray(rect)
	if _, err := io.ReadFull(br, img.Pix); err != nil {
		return nil, fmt.Errorf("pgm: short pixel data: %w", err)
	}
	return img, nil
}
