package scivi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned for data URIs that are not base64 PNG,
// JPEG, WebP or BMP images.
var ErrUnsupportedImage = errors.New("scivi: unsupported image data URI")

var decoders = map[string]func(io.Reader) (image.Image, error){
	"png":  png.Decode,
	"jpeg": jpeg.Decode,
	"jpg":  jpeg.Decode,
	"webp": webp.Decode,
	"bmp":  bmp.Decode,
}

// DecodeDataURI decodes a "data:image/<fmt>;base64,..." string and returns
// the image and its format name.
func DecodeDataURI(uri string) (image.Image, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:image/")
	if !ok {
		return nil, "", ErrUnsupportedImage
	}
	format, payload, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, "", ErrUnsupportedImage
	}
	format = strings.ToLower(format)
	if _, ok := decoders[format]; !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedImage, format)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 %s payload: %w", format, err)
	}
	img, err := DecodeImage(format, bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	return img, format, nil
}

// DecodeImage decodes r as the named format (png, jpeg, jpg, webp or bmp).
func DecodeImage(format string, r io.Reader) (image.Image, error) {
	format = strings.ToLower(format)
	decode, ok := decoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedImage, format)
	}
	img, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s image: %w", format, err)
	}
	return img, nil
}
