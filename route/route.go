// Package route derives rate-limit bucket keys from request paths.
package route

import (
	"errors"
	"strings"
)

// ErrRelativePath is returned when a path does not start with "/".
var ErrRelativePath = errors.New("route: path is not absolute")

// scopedSegments are the top-level path segments whose following segment is
// a per-resource id that must be templated out for bucket purposes.
var scopedSegments = map[string]struct{}{
	"guilds":   {},
	"channels": {},
	"webhooks": {},
}

// MakeRoute collapses a concrete, absolute path into a bucket key by
// replacing the id that follows a top-level "guilds", "channels", or
// "webhooks" segment with the literal ":id". Paths that don't match one of
// those scopes are returned unchanged. MakeRoute fails only when path is not
// absolute.
func MakeRoute(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", ErrRelativePath
	}

	// segments[0] is always "" because path starts with "/"; segments[1] is
	// the first real segment, segments[2] the id that follows it.
	segments := strings.Split(path, "/")
	if len(segments) < 3 {
		return path, nil
	}

	if _, scoped := scopedSegments[segments[1]]; !scoped {
		return path, nil
	}
	if segments[2] == "" {
		return path, nil
	}

	segments[2] = ":id"
	return strings.Join(segments, "/"), nil
}
