// Package micinfo reads micrograph geometry without decoding pixel data.
package micinfo

import (
	"fmt"
	"os"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Dimensions of an image in pixels. Frames is the number of images in the
// file (1 for a single micrograph, more for a stack).
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Frames int `json:"frames"`
}

// Contains reports whether a box of size box with top-left corner (x, y) lies
// inside the image.
func (d Dimensions) Contains(x, y, box int) bool {
	return x >= 0 && y >= 0 && x+box <= d.Width && y+box <= d.Height
}

// Probe pings path with ImageMagick and returns its size.
func Probe(path string) (Dimensions, error) {
	if _, err := os.Stat(path); err != nil {
		return Dimensions{}, fmt.Errorf("micrograph not found: %w", err)
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return Dimensions{}, fmt.Errorf("failed to ping %s: %v", path, err)
	}
	return Dimensions{
		Width:  int(mw.GetImageWidth()),
		Height: int(mw.GetImageHeight()),
		Frames: int(mw.GetNumberImages()),
	}, nil
}
