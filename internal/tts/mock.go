package tts

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// The fallback beep: a quiet 660 Hz sine matching what the overlay
// expects from real backends (mono 16-bit PCM).
const (
	mockSeconds = 1.2
	mockFreq    = 660.0
	mockRate    = 24000
	mockGain    = 0.25
)

// writeMockWAV renders the beep so the overlay still has something to
// lip-sync to when no real backend can speak.
func writeMockWAV(path string) error {
	nframes := int(mockRate * mockSeconds)
	data := make([]int, nframes)
	for i := range data {
		data[i] = int(32767 * mockGain * math.Sin(2*math.Pi*mockFreq*float64(i)/mockRate))
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create voice temp %q: %w", tmp, err)
	}

	enc := wav.NewEncoder(f, mockRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: mockRate},
		SourceBitDepth: 16,
		Data:           data,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode mock wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("finish mock wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close voice temp %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit mock wav %q: %w", path, err)
	}
	return nil
}
