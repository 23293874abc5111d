package validation

import (
	"path/filepath"
	"slices"
	"strings"
)

const AnyExtension = ".*"

// NormalizeExtension lower-cases ext and ensures the leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if ext == "*" {
		return AnyExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// MatchExtension reports whether fileName is accepted by one of exts.
// Comparison is case-insensitive and ".*" accepts any file.
func MatchExtension(exts []string, fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, e := range exts {
		e = NormalizeExtension(e)
		if e == AnyExtension || (e != "" && e == ext) {
			return true
		}
	}
	return false
}

// UnionExtensions merges extension lists into a sorted set of normalized
// extensions.
func UnionExtensions(lists ...[]string) []string {
	var ret []string
	for _, l := range lists {
		for _, e := range l {
			e = NormalizeExtension(e)
			if e != "" {
				ret = append(ret, e)
			}
		}
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}
