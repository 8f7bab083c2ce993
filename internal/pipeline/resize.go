package pipeline

import (
	"bytes"
	"image"
	"image/jpeg"
	"log/slog"

	"github.com/nfnt/resize"

	// Register decoders for the formats clients actually upload.
	_ "image/gif"
	_ "image/png"
)

const (
	maxImageDimension = 1024
	jpegQuality       = 85
)

// resizeImage bounds the image to maxImageDimension on its longest side and
// re-encodes it as JPEG. Anything that fails to decode or encode falls back
// to the original bytes; model providers cope with oversized images better
// than the pipeline copes with losing the request.
func resizeImage(data []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("image decode failed, forwarding original bytes", "error", err)
		return data
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDimension && bounds.Dy() <= maxImageDimension {
		if out, ok := encodeJPEG(img); ok {
			return out
		}
		return data
	}

	var resized image.Image
	if bounds.Dx() >= bounds.Dy() {
		resized = resize.Resize(maxImageDimension, 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, maxImageDimension, img, resize.Lanczos3)
	}

	out, ok := encodeJPEG(resized)
	if !ok {
		return data
	}
	slog.Debug("image resized", "from", bounds.Max, "bytes", len(out))
	return out
}

func encodeJPEG(img image.Image) ([]byte, bool) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		slog.Warn("jpeg encode failed", "error", err)
		return nil, false
	}
	return buf.Bytes(), true
}
