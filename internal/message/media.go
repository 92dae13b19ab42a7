// internal/message/media.go
package message

import (
	"strconv"
	"strings"
	"time"
)

var (
	imageExtensions = map[string]bool{
		"png": true, "jpg": true, "jpeg": true, "gif": true,
		"webp": true, "bmp": true, "svg": true,
	}
	audioExtensions = map[string]bool{
		"mp3": true, "wav": true, "webm": true, "ogg": true,
		"m4a": true, "aac": true,
	}
)

// RefineKind upgrades a declared "file" to "image" or "voice" based on the
// filename extension. Any other declared kind is returned unchanged.
func RefineKind(declared, filename string) string {
	if declared != KindFile {
		return declared
	}
	dot := strings.LastIndexByte(filename, '.')
	if dot < 0 {
		return declared
	}
	ext := strings.ToLower(filename[dot+1:])
	switch {
	case imageExtensions[ext]:
		return KindImage
	case audioExtensions[ext]:
		return KindVoice
	}
	return declared
}

// baseName strips every directory component, treating both slash styles
// as separators regardless of the host OS.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// SanitizeFilename returns the storage name for an upload: the base name
// reduced to [A-Za-z0-9._-], prefixed with the millisecond timestamp.
func SanitizeFilename(original string, now time.Time) string {
	var b strings.Builder
	for _, r := range baseName(original) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	clean := strings.Trim(b.String(), ".")
	if clean == "" {
		clean = defaultFilename
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + clean
}
