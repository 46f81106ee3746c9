// Package capture provides desktop frame acquisition for the screen
// monitor and the reaction pipeline.
package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// Region selects a sub-rectangle of the desktop in virtual-screen
// coordinates. A nil *Region means the entire primary display.
type Region struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

func (r Region) Bounds() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("region %dx%d: dimensions must be positive", r.Width, r.Height)
	}
	return nil
}

// Source produces raw desktop frames. Implementations are not required
// to be safe for concurrent use; callers serialize access.
type Source interface {
	// Grab captures the given region, or the primary display when
	// region is nil.
	Grab(region *Region) (*image.RGBA, error)
	Close() error
}

// ScreenSource captures from the local displays.
type ScreenSource struct{}

func NewScreenSource() *ScreenSource {
	return &ScreenSource{}
}

func (s *ScreenSource) Grab(region *Region) (*image.RGBA, error) {
	var bounds image.Rectangle
	if region != nil {
		if err := region.Validate(); err != nil {
			return nil, err
		}
		bounds = region.Bounds()
	} else {
		if screenshot.NumActiveDisplays() == 0 {
			return nil, fmt.Errorf("no active displays")
		}
		bounds = screenshot.GetDisplayBounds(0)
	}

	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("capture %v: %w", bounds, err)
	}
	return img, nil
}

// Close releases nothing today; the OS capture path is stateless. It
// exists so fakes and future session-holding sources share a contract.
func (s *ScreenSource) Close() error {
	return nil
}
