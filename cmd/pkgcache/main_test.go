package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/pkgcache/pkgcache/internal/config"
	"github.com/pkgcache/pkgcache/pkg/cache"
	"github.com/pkgcache/pkgcache/pkg/hasher"
	"github.com/pkgcache/pkgcache/pkg/objectstore"
	"github.com/pkgcache/pkgcache/pkg/objectstore/fakes3"
)

const testBucket = "assets"

// setEnv clears every variable the configuration reads, then applies env.
func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for _, name := range []string{
		config.EnvBucket, config.EnvRepoPath, config.EnvPackageDir, config.EnvFilter, config.EnvRole,
		"PKGCACHE_CONCURRENCY", "PKGCACHE_LEGACY_PREFIX_HIT", "PKGCACHE_FINGERPRINT_ALGORITHM",
		"PKGCACHE_LOG_FORMAT", "PKGCACHE_LOG_LEVEL", "PKGCACHE_ENDPOINT", "PKGCACHE_REGION",
	} {
		t.Setenv(name, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func emptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkgcache.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fakeClient(client *fakes3.Client) clientFactory {
	return func(context.Context, *config.Config, *slog.Logger) (objectstore.Client, error) {
		return client, nil
	}
}

// execute runs the CLI and returns the exit code and stdout.
func execute(t *testing.T, client *fakes3.Client, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--config", emptyConfig(t))
	code := run(context.Background(), args, &stdout, &stderr, fakeClient(client))
	t.Logf("pkgcache %s -> %d\n%s", strings.Join(args, " "), code, stderr.String())
	return code, stdout.String()
}

// initRepo creates a repository holding files in one commit.
func initRepo(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("git add: %v", err)
		}
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@test.local", When: time.Unix(1700000000, 0)},
	})
	if err != nil {
		t.Fatalf("git commit: %v", err)
	}
	return dir, hash.String()
}

func TestCheckExitCodes(t *testing.T) {
	repoDir, _ := initRepo(t, map[string]string{"README": "x"})
	bareDir := t.TempDir()
	if _, err := git.PlainInit(bareDir, true); err != nil {
		t.Fatal(err)
	}
	pkgDir := t.TempDir()

	tests := []struct {
		name     string
		env      map[string]string
		wantCode int
	}{
		{
			name:     "bucket missing",
			env:      map[string]string{config.EnvRepoPath: repoDir, config.EnvPackageDir: pkgDir},
			wantCode: 100,
		},
		{
			name:     "repo path missing",
			env:      map[string]string{config.EnvBucket: testBucket, config.EnvPackageDir: pkgDir},
			wantCode: 101,
		},
		{
			name:     "package dir missing",
			env:      map[string]string{config.EnvBucket: testBucket, config.EnvRepoPath: repoDir},
			wantCode: 102,
		},
		{
			name:     "not a repository",
			env:      map[string]string{config.EnvBucket: testBucket, config.EnvRepoPath: t.TempDir(), config.EnvPackageDir: pkgDir},
			wantCode: 103,
		},
		{
			name:     "bare repository",
			env:      map[string]string{config.EnvBucket: testBucket, config.EnvRepoPath: bareDir, config.EnvPackageDir: pkgDir},
			wantCode: 103,
		},
		{
			name:     "build required",
			env:      map[string]string{config.EnvBucket: testBucket, config.EnvRepoPath: repoDir, config.EnvPackageDir: pkgDir},
			wantCode: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			client := fakes3.New(testBucket)
			code, _ := execute(t, client, "check")
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if tt.wantCode != 0 && len(client.Calls()) != 0 {
				t.Errorf("object store called before validation: %v", client.Calls())
			}
		})
	}
}

func TestCheckRemoteFailure(t *testing.T) {
	repoDir, _ := initRepo(t, map[string]string{"README": "x"})
	setEnv(t, map[string]string{
		config.EnvBucket:     "missing-bucket",
		config.EnvRepoPath:   repoDir,
		config.EnvPackageDir: t.TempDir(),
	})

	code, _ := execute(t, fakes3.New(testBucket), "check")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestUploadExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		bucket    string
		noDir     bool
		files     map[string]string
		wantCode  int
		wantCalls bool
	}{
		{name: "package dir missing", bucket: testBucket, noDir: true, wantCode: 100},
		{name: "found skips before bucket check", files: map[string]string{".found": ""}, wantCode: 0},
		{name: "bucket missing", files: map[string]string{"a.whl": "a", ".commit-hash": "abc"}, wantCode: 101},
		{name: "no output files", bucket: testBucket, files: map[string]string{".commit-hash": "abc"}, wantCode: 102},
		{name: "commit hash missing", bucket: testBucket, files: map[string]string{"a.whl": "a"}, wantCode: 103},
		{name: "uploaded", bucket: testBucket, files: map[string]string{"a.whl": "a", ".commit-hash": "abc"}, wantCode: 0, wantCalls: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tt.files {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			env := map[string]string{config.EnvBucket: tt.bucket}
			if !tt.noDir {
				env[config.EnvPackageDir] = dir
			}
			setEnv(t, env)

			client := fakes3.New(testBucket)
			code, _ := execute(t, client, "upload")
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if got := len(client.Calls()) > 0; got != tt.wantCalls {
				t.Errorf("object store called = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

func TestCheckUploadRoundTrip(t *testing.T) {
	repoDir, commitHash := initRepo(t, map[string]string{
		"src/main.py":      "print('hi')\n",
		"requirements.txt": "boto3\n",
	})
	client := fakes3.New(testBucket)
	pkgDir := t.TempDir()
	env := map[string]string{
		config.EnvBucket:     testBucket,
		config.EnvRepoPath:   repoDir,
		config.EnvPackageDir: pkgDir,
		config.EnvFilter:     "src/**/*.py requirements.txt",
	}
	setEnv(t, env)

	if code, _ := execute(t, client, "check"); code != 0 {
		t.Fatalf("check exit code = %d", code)
	}
	if _, err := os.Stat(filepath.Join(pkgDir, ".found")); !os.IsNotExist(err) {
		t.Fatal(".found written without any artifacts")
	}
	raw, err := os.ReadFile(filepath.Join(pkgDir, ".commit-hash"))
	if err != nil || string(raw) != commitHash {
		t.Fatalf(".commit-hash = %q, %v; want %q", raw, err, commitHash)
	}
	fp, err := os.ReadFile(filepath.Join(pkgDir, ".code-hash"))
	if err != nil {
		t.Fatalf(".code-hash missing: %v", err)
	}

	if err := os.WriteFile(filepath.Join(pkgDir, "app.zip"), []byte("bundle"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, _ := execute(t, client, "upload"); code != 0 {
		t.Fatalf("upload exit code = %d", code)
	}
	for _, key := range []string{
		cache.ArtifactPrefix(commitHash) + "app.zip",
		cache.ManifestKey(cache.ArtifactPrefix(commitHash)),
		cache.CachePrefix(string(fp)) + "app.zip",
		cache.ManifestKey(cache.CachePrefix(string(fp))),
	} {
		if _, ok := client.Object(testBucket, key); !ok {
			t.Errorf("%s missing after upload", key)
		}
	}

	// The next pipeline run for the same commit skips the build and the
	// upload.
	nextDir := t.TempDir()
	env[config.EnvPackageDir] = nextDir
	setEnv(t, env)
	if code, _ := execute(t, client, "check"); code != 0 {
		t.Fatalf("second check exit code = %d", code)
	}
	if _, err := os.Stat(filepath.Join(nextDir, ".found")); err != nil {
		t.Fatalf(".found missing on the second run: %v", err)
	}
	puts := len(client.CallsFor("PutObject"))
	if code, _ := execute(t, client, "upload"); code != 0 {
		t.Fatalf("second upload exit code = %d", code)
	}
	if got := len(client.CallsFor("PutObject")); got != puts {
		t.Errorf("upload after .found wrote %d objects", got-puts)
	}
}

func TestFingerprintCommand(t *testing.T) {
	repoDir, _ := initRepo(t, map[string]string{"src/a.py": "a", "src/b.py": "b"})
	setEnv(t, map[string]string{config.EnvRepoPath: repoDir, config.EnvFilter: "src/*.py"})

	want, _, err := hasher.NewFingerprinter(repoDir, hasher.MD5).Fingerprint([]string{"src/*.py"})
	if err != nil {
		t.Fatal(err)
	}

	code, out := execute(t, fakes3.New(), "fingerprint", "--list")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	wantLines := []string{"# src/*.py", "src/a.py", "src/b.py", want}
	if len(lines) != len(wantLines) {
		t.Fatalf("output = %q, want %q", lines, wantLines)
	}
	for i := range wantLines {
		if lines[i] != wantLines[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], wantLines[i])
		}
	}
}

func TestFingerprintRequiresPatterns(t *testing.T) {
	setEnv(t, map[string]string{config.EnvRepoPath: t.TempDir()})
	if code, _ := execute(t, fakes3.New(), "fingerprint"); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestVersionCommand(t *testing.T) {
	setEnv(t, nil)
	code, out := execute(t, fakes3.New(), "version")
	if code != 0 || !strings.Contains(out, "pkgcache version: dev") {
		t.Errorf("version = %d, %q", code, out)
	}
}
