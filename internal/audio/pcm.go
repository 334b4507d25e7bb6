// Package audio decodes synthesized clips and assembles them into one episode track.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV returns the clip as 16-bit little-endian mono PCM and its sample rate.
// Multi-channel input is down-mixed and other bit depths are rescaled.
func DecodeWAV(data []byte) ([]byte, int, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, 0, errors.New("decode wav: not a valid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(d.NumChans)
	if channels < 1 {
		channels = 1
	}
	depth := int(d.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	shift := depth - 16

	frames := len(buf.Data) / channels
	out := make([]byte, frames*2)
	for f := 0; f < frames; f++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[f*channels+c]
		}
		v := sum / channels
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		if depth == 8 {
			// 8-bit wav is unsigned
			v -= 128 << 8
		}
		binary.LittleEndian.PutUint16(out[f*2:], uint16(int16(clamp16(v))))
	}
	return out, int(d.SampleRate), nil
}

// PCMToSamples converts 16-bit little-endian PCM into sample values.
func PCMToSamples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// SamplesToPCM converts sample values back into 16-bit little-endian PCM.
func SamplesToPCM(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamp16(s))))
	}
	return out
}

// EncodeWAV writes a 16-bit mono PCM WAV of t to w.
func EncodeWAV(w io.WriteSeeker, t Track) error {
	enc := wav.NewEncoder(w, t.SampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: t.SampleRate},
		Data:           t.Samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode wav: close: %w", err)
	}
	return nil
}

func clamp16(v int) int {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}
