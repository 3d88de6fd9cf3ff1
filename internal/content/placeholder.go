package content

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// Placeholder image geometry matches the platform's 3:4 cover ratio.
const (
	placeholderW = 1080
	placeholderH = 1440
)

// GeneratePlaceholders writes a solid-color cover plus max(2, pageCount)
// content images into dir, cover first, and returns their paths. Used when
// a task was created without images, since the platform rejects image-less
// posts. The color is derived from the title so retries reuse the same look.
func GeneratePlaceholders(dir, title string, pageCount int) ([]string, error) {
	n := pageCount
	if n < 2 {
		n = 2
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create placeholder dir: %w", err)
	}

	base := placeholderColor(title)
	names := make([]string, 0, n+1)
	names = append(names, "cover.png")
	for i := 1; i <= n; i++ {
		names = append(names, fmt.Sprintf("content_%d.png", i))
	}

	paths := make([]string, 0, len(names))
	for i, name := range names {
		img := image.NewRGBA(image.Rect(0, 0, placeholderW, placeholderH))
		c := shade(base, i)
		for y := 0; y < placeholderH; y++ {
			for x := 0; x < placeholderW; x++ {
				img.Set(x, y, c)
			}
		}

		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return paths, err
		}
		if err := png.Encode(f, img); err != nil {
			_ = f.Close()
			return paths, err
		}
		if err := f.Close(); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// placeholderColor maps a title to a muted pastel so covers look intentional.
func placeholderColor(title string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(title))
	v := h.Sum32()
	return color.RGBA{
		R: uint8(160 + v%80),
		G: uint8(160 + (v>>8)%80),
		B: uint8(160 + (v>>16)%80),
		A: 255,
	}
}

func shade(c color.RGBA, i int) color.RGBA {
	d := uint8(i * 12)
	return color.RGBA{R: c.R - d%40, G: c.G - d%40, B: c.B - d%40, A: 255}
}
