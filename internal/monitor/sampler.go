package monitor

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/murasamepet/agent/internal/capture"
)

// Sampler reduces raw desktop captures to the small grayscale frames
// the detector compares. Downscaling first keeps the comparison cheap
// enough to run every cycle.
type Sampler struct {
	source capture.Source
	width  int
	height int
}

func NewSampler(source capture.Source, width, height int) *Sampler {
	return &Sampler{source: source, width: width, height: height}
}

func (s *Sampler) Sample(region *capture.Region) (*image.Gray, error) {
	raw, err := s.source.Grab(region)
	if err != nil {
		return nil, fmt.Errorf("grab frame: %w", err)
	}

	frame := image.NewGray(image.Rect(0, 0, s.width, s.height))
	draw.ApproxBiLinear.Scale(frame, frame.Bounds(), raw, raw.Bounds(), draw.Src, nil)
	return frame, nil
}

func (s *Sampler) Close() error {
	return s.source.Close()
}
