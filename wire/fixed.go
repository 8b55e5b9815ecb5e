// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package wire

import "math"

const (
	fixedScale = 65536.0 // 2^16
	fixedMaxF  = 32768.0
	fixedMinF  = -32768.0
)

// ToFixed16_16 converts a float64 to a saturating signed 16.16 fixed-point
// value, rounding toward zero.
func ToFixed16_16(x float64) int32 {
	switch {
	case x >= fixedMaxF:
		return math.MaxInt32
	case x < fixedMinF:
		return math.MinInt32
	}
	return int32(x * fixedScale) // int() truncates toward zero
}

// FromFixed16_16 converts a signed 16.16 fixed-point value back to float64.
func FromFixed16_16(n int32) float64 {
	return float64(n) / fixedScale
}

// signedMagnitude is the 9-bit (1 sign + 8 magnitude) value encoding used by
// SampleUp/SampleDown bodies: sign=1 iff the logical value is negative,
// magnitude = min(|v|, 255). Logical range after decode is -255..+255.
type signedMagnitude struct {
	sign      bool
	magnitude uint8
}

// encodeSigned9 saturates v into the 9-bit sign+magnitude encoding.
func encodeSigned9(v int) signedMagnitude {
	sign := v < 0
	mag := v
	if sign {
		mag = -mag
	}
	if mag > 255 {
		mag = 255
	}
	return signedMagnitude{sign: sign, magnitude: uint8(mag)}
}

// decodeSigned9 converts a 9-bit sign+magnitude encoding back to an int in
// [-255, 255].
func decodeSigned9(sign bool, magnitude uint8) int {
	v := int(magnitude)
	if sign {
		v = -v
	}
	return v
}
