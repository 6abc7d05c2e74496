package cache

import (
	"path"
	"strings"
)

// ManifestName is the completion record written under a prefix after every
// file of the set is stored. Package files are never hidden, so it cannot
// collide with one.
const ManifestName = ".manifest.json"

// ArtifactPrefix is the commit-scoped prefix. The trailing slash keeps
// "abc" from matching objects of commit "abcdef".
func ArtifactPrefix(commitHash string) string {
	return "artifacts/" + commitHash + "/"
}

// CachePrefix is the fingerprint-scoped prefix.
func CachePrefix(fingerprint string) string {
	return "cache/" + fingerprint + "/"
}

// ManifestKey returns the manifest key under prefix.
func ManifestKey(prefix string) string {
	return prefix + ManifestName
}

// Basename returns the last path segment of an object key.
func Basename(key string) string {
	return path.Base(strings.TrimSuffix(key, "/"))
}
