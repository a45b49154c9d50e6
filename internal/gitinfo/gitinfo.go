// Package gitinfo captures the git state of the directory a command is run
// from: HEAD commit, origin remote, dirtiness and the path within the
// worktree.
package gitinfo

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

var (
	ErrNotRepository   = errors.New("not inside a git repository")
	ErrBareRepository  = errors.New("repository has no working directory")
	ErrNoHead          = errors.New("HEAD does not resolve to a commit")
	ErrNoOrigin        = errors.New("repository has no origin remote")
	ErrRemoteNotText   = errors.New("origin remote url is not valid UTF-8")
	ErrMalformedRemote = errors.New("origin remote url cannot be parsed")
)

type Options struct {
	// IgnoreUntracked excludes untracked files from the dirty check.
	IgnoreUntracked bool
}

// Snapshot is the git state observed once at the start of a run.
type Snapshot struct {
	Commit      string
	RemoteURL   string
	RemoteHost  string
	RemotePath  string
	Dirty       bool
	Changes     int
	RelativeDir string
}

// HTTPSURL returns https://<host>/<path> for the origin remote. It is empty
// when the remote has no host, e.g. a local path.
func (s *Snapshot) HTTPSURL() string {
	if s == nil || s.RemoteHost == "" {
		return ""
	}
	return "https://" + s.RemoteHost + "/" + s.RemotePath
}

// Capture discovers the repository enclosing startDir, searching parent
// directories.
func Capture(startDir string, opts Options) (*Snapshot, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", startDir, err)
	}
	repo, err := openRepository(abs)
	if err != nil {
		return nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, git.ErrIsBareRepository) {
			return nil, ErrBareRepository
		}
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrNoHead
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	snap := &Snapshot{Commit: head.Hash().String()}

	if err := readOrigin(repo, snap); err != nil {
		return nil, err
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	snap.Changes = countChanges(status, opts.IgnoreUntracked)
	snap.Dirty = snap.Changes > 0

	rel, err := relativeDir(wt.Filesystem.Root(), abs)
	if err != nil {
		return nil, err
	}
	snap.RelativeDir = rel
	return snap, nil
}

func openRepository(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	// DetectDotGit only looks for a .git entry; a bare repository is the
	// directory itself.
	if repo, bareErr := git.PlainOpen(dir); bareErr == nil {
		return repo, nil
	}
	return nil, fmt.Errorf("%s: %w", dir, ErrNotRepository)
}

func readOrigin(repo *git.Repository, snap *Snapshot) error {
	remote, err := repo.Remote("origin")
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return ErrNoOrigin
		}
		return fmt.Errorf("read origin: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return ErrNoOrigin
	}
	raw := urls[0]
	if !utf8.ValidString(raw) {
		return ErrRemoteNotText
	}
	host, path, err := ParseRemote(raw)
	if err != nil {
		return err
	}
	snap.RemoteURL = raw
	snap.RemoteHost = host
	snap.RemotePath = path
	return nil
}

// ParseRemote splits a remote url in scp-like, ssh://, https:// or file://
// form into host and repository path. The path has no leading slash and no
// .git suffix.
func ParseRemote(raw string) (host, path string, err error) {
	ep, err := transport.NewEndpoint(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedRemote, err)
	}
	path = strings.TrimPrefix(ep.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if ep.Protocol == "file" {
		return "", path, nil
	}
	return ep.Host, path, nil
}

func countChanges(status git.Status, ignoreUntracked bool) int {
	n := 0
	for _, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		if st.Staging == git.Untracked && st.Worktree == git.Untracked && ignoreUntracked {
			continue
		}
		n++
	}
	return n
}

func relativeDir(root, dir string) (string, error) {
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	if d, err := filepath.EvalSymlinks(dir); err == nil {
		dir = d
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return "", fmt.Errorf("relative dir: %w", err)
	}
	return filepath.ToSlash(rel), nil
}
