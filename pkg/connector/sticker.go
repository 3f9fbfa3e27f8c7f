package connector

import (
	"fmt"
	"image/png"
	"os"

	"golang.org/x/image/webp"
)

// convertWebPSticker decodes a static webp sticker and writes it as png into
// dir. The caller owns the returned file.
func convertWebPSticker(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open sticker: %w", err)
	}
	defer in.Close()
	img, err := webp.Decode(in)
	if err != nil {
		return "", fmt.Errorf("failed to decode sticker: %w", err)
	}
	out, err := os.CreateTemp(dir, "sticker-*.png")
	if err != nil {
		return "", fmt.Errorf("failed to create sticker file: %w", err)
	}
	if err = png.Encode(out, img); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("failed to encode sticker: %w", err)
	}
	if err = out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
