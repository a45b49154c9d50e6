package gitinfo

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func initRepo(t *testing.T, origin string) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if origin != "" {
		if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{origin}}); err != nil {
			t.Fatalf("create remote: %v", err)
		}
	}
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err = wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCaptureCleanRepo(t *testing.T) {
	dir, repo := initRepo(t, "git@github.com:acme/widgets.git")
	commitFile(t, repo, dir, "README.md", "hello\n")
	commitFile(t, repo, dir, "sub/dir/file.txt", "x\n")

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}

	snap, err := Capture(filepath.Join(dir, "sub", "dir"), Options{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.Commit != head.Hash().String() {
		t.Fatalf("commit = %s, want %s", snap.Commit, head.Hash())
	}
	if snap.Dirty || snap.Changes != 0 {
		t.Fatalf("expected clean tree, got %d changes", snap.Changes)
	}
	if snap.RelativeDir != "sub/dir" {
		t.Fatalf("relative dir = %q", snap.RelativeDir)
	}
	if got := snap.HTTPSURL(); got != "https://github.com/acme/widgets" {
		t.Fatalf("https url = %q", got)
	}
}

func TestCaptureRootRelativeDir(t *testing.T) {
	dir, repo := initRepo(t, "https://example.com/acme/widgets.git")
	commitFile(t, repo, dir, "a.txt", "a")
	snap, err := Capture(dir, Options{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.RelativeDir != "." {
		t.Fatalf("relative dir = %q, want .", snap.RelativeDir)
	}
}

func TestCaptureDirty(t *testing.T) {
	dir, repo := initRepo(t, "https://example.com/acme/widgets.git")
	commitFile(t, repo, dir, "a.txt", "a")

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := Capture(dir, Options{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !snap.Dirty || snap.Changes != 1 {
		t.Fatalf("expected one change, got dirty=%v changes=%d", snap.Dirty, snap.Changes)
	}
}

func TestCaptureUntracked(t *testing.T) {
	dir, repo := initRepo(t, "https://example.com/acme/widgets.git")
	commitFile(t, repo, dir, ".gitignore", "*.log\n")
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "debug.log"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := Capture(dir, Options{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !snap.Dirty || snap.Changes != 1 {
		t.Fatalf("untracked file should count once, got dirty=%v changes=%d", snap.Dirty, snap.Changes)
	}

	snap, err = Capture(dir, Options{IgnoreUntracked: true})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.Dirty {
		t.Fatalf("untracked file counted with IgnoreUntracked")
	}
}

func TestCaptureErrors(t *testing.T) {
	t.Run("not a repository", func(t *testing.T) {
		_, err := Capture(t.TempDir(), Options{})
		if !errors.Is(err, ErrNotRepository) {
			t.Fatalf("expected ErrNotRepository, got %v", err)
		}
	})
	t.Run("no head", func(t *testing.T) {
		dir, _ := initRepo(t, "https://example.com/a/b.git")
		_, err := Capture(dir, Options{})
		if !errors.Is(err, ErrNoHead) {
			t.Fatalf("expected ErrNoHead, got %v", err)
		}
	})
	t.Run("no origin", func(t *testing.T) {
		dir, repo := initRepo(t, "")
		commitFile(t, repo, dir, "a.txt", "a")
		_, err := Capture(dir, Options{})
		if !errors.Is(err, ErrNoOrigin) {
			t.Fatalf("expected ErrNoOrigin, got %v", err)
		}
	})
	t.Run("bare", func(t *testing.T) {
		dir := t.TempDir()
		if _, err := git.PlainInit(dir, true); err != nil {
			t.Fatalf("init bare: %v", err)
		}
		_, err := Capture(dir, Options{})
		if !errors.Is(err, ErrBareRepository) {
			t.Fatalf("expected ErrBareRepository, got %v", err)
		}
	})
}

func TestParseRemote(t *testing.T) {
	cases := []struct {
		raw, host, path string
	}{
		{"git@github.com:acme/widgets.git", "github.com", "acme/widgets"},
		{"ssh://git@github.com/acme/widgets.git", "github.com", "acme/widgets"},
		{"https://gitlab.example.com/group/sub/proj.git", "gitlab.example.com", "group/sub/proj"},
		{"https://github.com/acme/widgets", "github.com", "acme/widgets"},
		{"file:///srv/git/widgets.git", "", "srv/git/widgets"},
	}
	for _, tc := range cases {
		host, path, err := ParseRemote(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if host != tc.host || path != tc.path {
			t.Fatalf("%s: got (%q, %q), want (%q, %q)", tc.raw, host, path, tc.host, tc.path)
		}
	}
}

func TestParseRemoteMalformed(t *testing.T) {
	_, _, err := ParseRemote("http://%zz")
	if !errors.Is(err, ErrMalformedRemote) {
		t.Fatalf("expected ErrMalformedRemote, got %v", err)
	}
}

func TestHTTPSURLWithoutHost(t *testing.T) {
	snap := &Snapshot{RemotePath: "srv/git/widgets"}
	if got := snap.HTTPSURL(); got != "" {
		t.Fatalf("expected empty url, got %q", got)
	}
}
