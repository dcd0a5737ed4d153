// Package imaging turns an arbitrary source image into the canonical
// mezzanine JPEG: it decodes the source, bakes the EXIF orientation into
// the pixel order, reconciles the color mode with what baseline JPEG can
// carry (grayscale, RGB, CMYK) and re-encodes without any metadata.
package imaging
