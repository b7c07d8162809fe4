package simulated

import (
	"math"
	"math/rand/v2"
)

// Image patterns the camera can render.
const (
	PatternNoise    = "noise"
	PatternGradient = "gradient"
	PatternSawtooth = "sawtooth"
	PatternBlack    = "black"
	PatternWhite    = "white"
)

// patterns lists the choices of the image_pattern setting.
//
//nolint:gochecknoglobals // Immutable choice list.
var patterns = []string{PatternNoise, PatternGradient, PatternSawtooth, PatternBlack, PatternWhite}

// render draws a mono8 image. index shifts the sawtooth so consecutive
// frames differ.
func render(pattern string, width, height int, dark, light uint8, index uint64) []byte {
	img := make([]byte, width*height)
	span := float64(light) - float64(dark)

	switch pattern {
	case PatternBlack:
	case PatternWhite:
		for i := range img {
			img[i] = math.MaxUint8
		}
	case PatternGradient:
		denominator := float64(max(width+height-2, 1))

		for y := range height {
			for x := range width {
				img[y*width+x] = dark + uint8(span*float64(x+y)/denominator)
			}
		}
	case PatternSawtooth:
		theta := float64(index%100) * 2 * math.Pi / 100
		wrap := 0.1 * float64(max(width, height, 10))

		for y := range height {
			for x := range width {
				v := math.Mod(math.Abs(math.Sin(theta)*float64(x)+math.Cos(theta)*float64(y)), wrap) / wrap
				img[y*width+x] = dark + uint8(span*v)
			}
		}
	default:
		for i := range img {
			img[i] = dark + uint8(rand.IntN(int(span)+1)) //nolint:gosec // Test images need no crypto.
		}
	}

	return img
}
