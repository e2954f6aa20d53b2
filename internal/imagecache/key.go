// Package imagecache holds the in-memory side of the image pipeline: size
// qualified cache keys and the bounded LRU pools for decoded images.
package imagecache

import "strconv"

// ThumbnailMaxSide is the largest target edge treated as thumbnail-class.
const ThumbnailMaxSide = 64

// MakeKey returns the size-qualified cache key "{url}@{w}x{h}".
func MakeKey(url string, w, h int) string {
	b := make([]byte, 0, len(url)+12)
	b = append(b, url...)
	b = append(b, '@')
	b = strconv.AppendInt(b, int64(w), 10)
	b = append(b, 'x')
	b = strconv.AppendInt(b, int64(h), 10)
	return string(b)
}

// IsThumbnailSize reports whether a w×h target belongs to the thumbnail pool.
func IsThumbnailSize(w, h int) bool {
	return w <= ThumbnailMaxSide && h <= ThumbnailMaxSide
}

// anySizeKey never collides with MakeKey output since sizes are numeric.
func anySizeKey(url string) string {
	return url + "@any"
}
