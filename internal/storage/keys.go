package storage

import (
	"fmt"
	"strings"
)

// ObjectKey identifies a stored dataset: everything under Prefix in Bucket.
type ObjectKey struct {
	Bucket string
	Prefix string
}

func (k ObjectKey) String() string {
	return fmt.Sprintf("%s/%s", k.Bucket, k.Prefix)
}

// Overlaps reports whether two keys could touch the same objects,
// i.e. same bucket and one prefix is a path-prefix of the other.
func (k ObjectKey) Overlaps(other ObjectKey) bool {
	if k.Bucket != other.Bucket {
		return false
	}
	a, b := k.Prefix+"/", other.Prefix+"/"
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// JoinKey joins key segments with "/", dropping empty segments and stray separators.
func JoinKey(parts ...string) string {
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			segments = append(segments, p)
		}
	}
	return strings.Join(segments, "/")
}
