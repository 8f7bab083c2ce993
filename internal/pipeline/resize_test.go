package pipeline

import (
	"bytes"
	"image"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding resized output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("output format = %q, want jpeg", format)
	}
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestResizeBoundsLongestSide(t *testing.T) {
	out := resizeImage(encodePNG(t, 2048, 1536))
	w, h := decodeDims(t, out)
	if w != 1024 {
		t.Errorf("width = %d, want 1024", w)
	}
	if h != 768 {
		t.Errorf("height = %d, want 768", h)
	}
}

func TestResizePortraitBoundsHeight(t *testing.T) {
	out := resizeImage(encodePNG(t, 600, 3000))
	w, h := decodeDims(t, out)
	if h != 1024 {
		t.Errorf("height = %d, want 1024", h)
	}
	if w >= 600 {
		t.Errorf("width = %d, want scaled down", w)
	}
}

func TestSmallImageIsReencodedNotUpscaled(t *testing.T) {
	out := resizeImage(encodePNG(t, 200, 100))
	w, h := decodeDims(t, out)
	if w != 200 || h != 100 {
		t.Errorf("dimensions = %dx%d, want 200x100", w, h)
	}
}

func TestUndecodableBytesPassThrough(t *testing.T) {
	in := []byte("definitely not an image")
	out := resizeImage(in)
	if !bytes.Equal(out, in) {
		t.Error("undecodable input was not passed through unchanged")
	}
}
