package ot

import "strconv"

// Checksum fingerprints content with a 32-bit rolling hash (h = h*31 + c,
// wrapping) rendered as the hex of its absolute value. It detects drift; it
// is not collision resistant.
func Checksum(content string) string {
	var h int32
	for _, r := range content {
		h = (h << 5) - h + int32(r)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 16)
}
