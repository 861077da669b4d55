package utils

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// HashKey joins the parts with a unit separator and returns the hex md5 digest.
func HashKey(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
