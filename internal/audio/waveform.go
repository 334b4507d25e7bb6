package audio

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
)

const waveformOversample = 4

var (
	waveformBackground = color.NRGBA{R: 0x12, G: 0x14, B: 0x1c, A: 0xff}
	waveformForeground = color.NRGBA{R: 0x4f, G: 0xc3, B: 0xf7, A: 0xff}
)

// Waveform renders the peak envelope of t as a width x height image. The envelope is drawn
// at a higher resolution and downsampled for smooth edges.
func Waveform(t Track, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("waveform: invalid size %dx%d", width, height)
	}
	if len(t.Samples) == 0 {
		return nil, fmt.Errorf("waveform: empty track")
	}
	w, h := width*waveformOversample, height*waveformOversample
	img := imaging.New(w, h, waveformBackground)

	mid := h / 2
	for x := 0; x < w; x++ {
		start := x * len(t.Samples) / w
		end := (x + 1) * len(t.Samples) / w
		if end <= start {
			end = start + 1
		}
		peak := 0
		for _, s := range t.Samples[start:min(end, len(t.Samples))] {
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
		half := int(float64(peak) / fullScale * float64(mid))
		if half < 1 {
			half = 1
		}
		for y := mid - half; y <= mid+half && y < h; y++ {
			if y >= 0 {
				img.SetNRGBA(x, y, waveformForeground)
			}
		}
	}
	return imaging.Resize(img, width, height, imaging.Lanczos), nil
}

// EncodeWaveformPNG renders and writes the waveform as PNG.
func EncodeWaveformPNG(w io.Writer, t Track, width, height int) error {
	img, err := Waveform(t, width, height)
	if err != nil {
		return err
	}
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		return fmt.Errorf("waveform: encode png: %w", err)
	}
	return nil
}
