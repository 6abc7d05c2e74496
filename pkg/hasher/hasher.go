// Package hasher computes the content fingerprint used as the cache key for
// source files, and the per-file integrity hash attached to uploaded
// packages.
package hasher

import (
	"crypto/md5"
	_ "crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// ChunkSize is the read size used when streaming files into a hash.
const ChunkSize = 1024

// Algorithm selects the fingerprint hash function.
type Algorithm string

const (
	// MD5 matches the fingerprints produced by the earlier pipeline
	// scripts, so existing cache/ prefixes stay reachable.
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm validates an algorithm name. The empty string means MD5.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(s)); a {
	case "":
		return MD5, nil
	case MD5, SHA256, BLAKE3:
		return a, nil
	default:
		return "", errors.Errorf("unsupported fingerprint algorithm %q", s)
	}
}

func (a Algorithm) new() hash.Hash {
	switch a {
	case SHA256:
		return digest.SHA256.Hash()
	case BLAKE3:
		return blake3.New()
	default:
		return md5.New()
	}
}

// Fingerprinter hashes the files selected by glob patterns under a root
// directory.
type Fingerprinter struct {
	fsys      fs.FS
	algorithm Algorithm
}

// NewFingerprinter creates a fingerprinter over the directory root.
func NewFingerprinter(root string, algorithm Algorithm) *Fingerprinter {
	return NewFingerprinterFS(os.DirFS(root), algorithm)
}

// NewFingerprinterFS creates a fingerprinter over fsys.
func NewFingerprinterFS(fsys fs.FS, algorithm Algorithm) *Fingerprinter {
	if algorithm == "" {
		algorithm = MD5
	}
	return &Fingerprinter{fsys: fsys, algorithm: algorithm}
}

// ParsePatterns splits a space-separated pattern list. Empty entries are
// dropped.
func ParsePatterns(filter string) []string {
	return strings.Fields(filter)
}

// Fingerprint returns the hex digest over every file matched by patterns.
// Matches of each pattern are visited in sorted order and patterns in the
// given order, so a file matched twice contributes twice. ok is false when
// patterns is empty: content caching is then disabled, which is not an
// error.
func (f *Fingerprinter) Fingerprint(patterns []string) (fingerprint string, ok bool, err error) {
	if len(patterns) == 0 {
		return "", false, nil
	}

	h := f.algorithm.new()
	buf := make([]byte, ChunkSize)
	for _, pattern := range patterns {
		files, err := f.Match(pattern)
		if err != nil {
			return "", false, err
		}
		for _, name := range files {
			if err := f.hashFile(h, name, buf); err != nil {
				return "", false, err
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

// Match expands pattern and returns the sorted regular files it selects.
func (f *Fingerprinter) Match(pattern string) ([]string, error) {
	pattern = normalizePattern(pattern)
	if pattern == "" {
		return nil, nil
	}

	matches, err := doublestar.Glob(f.fsys, pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to expand pattern %q", pattern)
	}

	patternSegs := strings.Split(pattern, "/")
	files := matches[:0]
	for _, m := range matches {
		if hasHiddenSegment(m) && !hiddenNamedByPattern(patternSegs, strings.Split(m, "/")) {
			continue
		}
		info, err := fs.Stat(f.fsys, m)
		if errors.Is(err, fs.ErrNotExist) {
			// dangling symlink
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %s", m)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

func (f *Fingerprinter) hashFile(h hash.Hash, name string, buf []byte) error {
	file, err := f.fsys.Open(name)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", name)
	}
	defer file.Close()

	if err := copyChunks(h, file, buf); err != nil {
		return errors.Wrapf(err, "failed to read %s", name)
	}
	return nil
}

// copyChunks streams r into w in len(buf) sized reads, stopping at the first
// empty read.
func copyChunks(w io.Writer, r io.Reader, buf []byte) error {
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func normalizePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	pattern = strings.TrimLeft(pattern, "/")
	for strings.HasPrefix(pattern, "./") {
		pattern = strings.TrimLeft(strings.TrimPrefix(pattern, "./"), "/")
	}
	if pattern == "" || pattern == "." {
		return ""
	}
	return path.Clean(pattern)
}

// hasHiddenSegment reports whether any element of a slash-separated path
// starts with a dot.
func hasHiddenSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// hiddenNamedByPattern reports whether pattern can select segs with every
// dot-prefixed element of segs matched by a pattern element that itself
// starts with a dot. "**" never descends into hidden directories and "*"
// never selects a hidden name.
func hiddenNamedByPattern(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}

	seg := pattern[0]
	if seg == "**" {
		if hiddenNamedByPattern(pattern[1:], segs) {
			return true
		}
		if len(segs) == 0 || strings.HasPrefix(segs[0], ".") {
			return false
		}
		return hiddenNamedByPattern(pattern, segs[1:])
	}

	if len(segs) == 0 {
		return false
	}
	if strings.HasPrefix(segs[0], ".") && !strings.HasPrefix(seg, ".") {
		return false
	}
	if ok, err := doublestar.Match(seg, segs[0]); err != nil || !ok {
		return false
	}
	return hiddenNamedByPattern(pattern[1:], segs[1:])
}

// ContentHash is the integrity hash of one package file.
type ContentHash struct {
	// Digest is the OCI-style "sha256:<hex>" digest.
	Digest digest.Digest

	// Base64 is the standard base64 encoding of the raw SHA-256 digest, the
	// format AWS Lambda reports as CodeSha256.
	Base64 string

	// Size is the number of bytes hashed.
	Size int64
}

// HashFile computes the content hash of the file at path.
func HashFile(path string) (ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContentHash{}, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	ch, err := HashReader(f)
	if err != nil {
		return ContentHash{}, errors.Wrapf(err, "failed to hash %s", path)
	}
	return ch, nil
}

// HashReader computes the content hash of everything read from r.
func HashReader(r io.Reader) (ContentHash, error) {
	digester := digest.SHA256.Digester()
	counter := &countingWriter{w: digester.Hash()}
	if err := copyChunks(counter, r, make([]byte, ChunkSize)); err != nil {
		return ContentHash{}, err
	}

	return ContentHash{
		Digest: digester.Digest(),
		Base64: base64.StdEncoding.EncodeToString(digester.Hash().Sum(nil)),
		Size:   counter.n,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
