package link

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HexToRGB parses "RRGGBB" (optionally prefixed with '#') into 0-255
// components.
func HexToRGB(hex string) ([3]int, error) {
	var rgb [3]int
	h := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(h) != 6 {
		return rgb, fmt.Errorf("%w: %q", ErrInvalidColor, hex)
	}
	for i := range 3 {
		n, err := strconv.ParseUint(h[i*2:i*2+2], 16, 8)
		if err != nil {
			return rgb, fmt.Errorf("%w: %q", ErrInvalidColor, hex)
		}
		rgb[i] = int(n)
	}
	return rgb, nil
}

// RGBToHex formats 0-255 components as upper-case "RRGGBB". Components are
// clamped.
func RGBToHex(rgb [3]int) string {
	return fmt.Sprintf("%02X%02X%02X", clampByte(rgb[0]), clampByte(rgb[1]), clampByte(rgb[2]))
}

// HexToRGBFloat parses a hex colour into 0.0-1.0 components.
func HexToRGBFloat(hex string) ([3]float64, error) {
	var out [3]float64
	rgb, err := HexToRGB(hex)
	if err != nil {
		return out, err
	}
	for i, c := range rgb {
		out[i] = float64(c) / 255
	}
	return out, nil
}

// RGBFloatToHex formats 0.0-1.0 components as "RRGGBB".
func RGBFloatToHex(rgb [3]float64) string {
	var ints [3]int
	for i, c := range rgb {
		ints[i] = int(math.Round(c * 255))
	}
	return RGBToHex(ints)
}

func clampByte(n int) int {
	return max(0, min(255, n))
}
