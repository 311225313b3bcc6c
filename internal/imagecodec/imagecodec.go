// Package imagecodec converts between data URLs and in-memory rasters.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/floor-segmenter/internal/floormask"
)

// MaskPrefix is prepended to every encoded mask.
const MaskPrefix = "data:image/png;base64,"

var (
	// ErrInvalidFormat means the data URL has no comma separating header and payload.
	ErrInvalidFormat = errors.New("invalid data url format")
	// ErrInvalidBase64 means the payload is not valid base64.
	ErrInvalidBase64 = errors.New("could not decode base64 payload")
	// ErrInvalidImage means the payload bytes are not a supported raster image.
	ErrInvalidImage = errors.New("could not decode image")
	// ErrMaskShape means the mask length does not match the given dimensions.
	ErrMaskShape = errors.New("mask does not match dimensions")
)

// Image is a decoded request image.
type Image struct {
	// RGB has every pixel fully opaque.
	RGB *image.RGBA
	// Format is the codec name reported by image.Decode.
	Format string
	// Raw holds the decoded payload bytes.
	Raw []byte
}

// Width returns the pixel width.
func (i *Image) Width() int { return i.RGB.Bounds().Dx() }

// Height returns the pixel height.
func (i *Image) Height() int { return i.RGB.Bounds().Dy() }

// DecodeDataURL parses "data:<mime>;base64,<payload>" into an RGB image.
func DecodeDataURL(dataURL string) (*Image, error) {
	_, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return nil, ErrInvalidFormat
	}

	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return &Image{RGB: ToRGB(src), Format: format, Raw: raw}, nil
}

// decodeBase64 drops every byte outside the standard alphabet and padding, then
// decodes strictly. Unpadded payloads are rejected.
func decodeBase64(payload string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '+', r == '/', r == '=':
			return r
		}
		return -1
	}, payload)
	return base64.StdEncoding.DecodeString(cleaned)
}

// ToRGB drops alpha and normalizes any color model to opaque RGBA with origin (0,0).
func ToRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			off := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[off+0] = c.R
			dst.Pix[off+1] = c.G
			dst.Pix[off+2] = c.B
			dst.Pix[off+3] = 0xff
		}
	}
	return dst
}

// MaskImage renders a probability mask as an 8-bit grayscale image.
func MaskImage(mask floormask.Mask, height, width int) (*image.Gray, error) {
	if height <= 0 || width <= 0 || len(mask) != height*width {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrMaskShape, len(mask), width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	bin := floormask.Binarize(mask, floormask.DefaultThreshold)
	for y := 0; y < height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+width], bin[y*width:(y+1)*width])
	}
	return img, nil
}

// EncodeMaskDataURL encodes the thresholded mask as a PNG data URL.
func EncodeMaskDataURL(mask floormask.Mask, height, width int) (string, error) {
	img, err := MaskImage(mask, height, width)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode mask png: %w", err)
	}
	return MaskPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodePNG encodes img as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
