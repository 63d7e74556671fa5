package bridge

import "regexp"

var hexBucketID = regexp.MustCompile(`^[0-9A-Fa-f]{24}$`)

// NormalizeBucketID implements spec.md §4.6 step 2 / §6: if id already
// matches a 24-hex-char bridge id, it's used verbatim; otherwise it's
// derived deterministically from (email, name).
func NormalizeBucketID(id, email, name string) string {
	if hexBucketID.MatchString(id) {
		return id
	}
	return deriveBucketID(email, name)
}

// deriveBucketID deterministically derives a 24-hex-char bucket id from
// an account email and a bucket name, the same (email, name) pair the
// bridge itself uses to compute ids for buckets created without an
// explicit id.
func deriveBucketID(email, name string) string {
	h := shaHex(email + "." + name)
	return h[:24]
}
