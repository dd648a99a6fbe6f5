package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"
)

// MaxImageSide is the longest side, in pixels, of images sent through the provider.
const MaxImageSide = 1600

// IsDataURL reports whether s is an inline data: URL rather than a link.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// DecodeDataURL returns the bytes and content type of a data: URL.
func DecodeDataURL(s string) ([]byte, string, error) {
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("could not decode data URL: %w", err)
	}
	return du.Data, du.MediaType.ContentType(), nil
}

// ShrinkImage downscales JPEG and PNG images whose longest side exceeds maxSide,
// keeping the aspect ratio. Other formats and small images are returned unchanged.
func ShrinkImage(data []byte, mimeType string, maxSide uint) ([]byte, error) {
	if mimeType != "image/jpeg" && mimeType != "image/png" {
		return data, nil
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode image: %w", err)
	}

	b := img.Bounds()
	if uint(b.Dx()) <= maxSide && uint(b.Dy()) <= maxSide {
		return data, nil
	}

	var resized image.Image
	if b.Dx() >= b.Dy() {
		resized = resize.Resize(maxSide, 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, maxSide, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, resized)
	default:
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, fmt.Errorf("could not encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}
