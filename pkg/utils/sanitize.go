package utils

import (
	"path"
	"strings"
)

// MaxExtensionLength is the longest extension SanitizeExtension keeps, dot included
const MaxExtensionLength = 5

// SanitizeExtension returns the lowercase extension of a URL or file path
// ("/a/b.PNG" -> ".png"). It returns "" when there is none, when it is
// longer than MaxExtensionLength or when it holds anything but ASCII letters
// and digits.
func SanitizeExtension(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if len(ext) < 2 || len(ext) > MaxExtensionLength {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
