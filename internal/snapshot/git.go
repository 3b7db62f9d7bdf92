package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"altar/api/internal/apperr"
)

// Revision is one saved version of a room snapshot.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// GitStore keeps one repository per room and commits every save, so earlier
// snapshots stay readable through History and At.
type GitStore struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGitStore(baseDir string) (*GitStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("git snapshot store: base dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &GitStore{baseDir: baseDir, author: "altar", locks: map[string]*sync.Mutex{}}, nil
}

func (s *GitStore) Load(_ context.Context, roomID string) ([]byte, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(roomID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, apperr.NotFound("snapshot for room %s", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return readSnapshot(commit, roomID)
}

func (s *GitStore) Save(_ context.Context, roomID string, data []byte) error {
	if err := ValidRoomID(roomID); err != nil {
		return err
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(roomID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	name := Key(roomID)
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}
	now := time.Now()
	_, err = worktree.Commit(fmt.Sprintf("Save room %s", roomID), &git.CommitOptions{
		Author: &object.Signature{Name: s.author, Email: s.author + "@localhost", When: now},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *GitStore) Ping(context.Context) error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return apperr.Transient(err, "stat snapshot dir")
	}
	if !info.IsDir() {
		return fmt.Errorf("snapshot dir %s is not a directory", s.baseDir)
	}
	return nil
}

// History lists saved revisions newest first. limit <= 0 returns all.
func (s *GitStore) History(_ context.Context, roomID string, limit int) ([]Revision, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(roomID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commit *object.Commit) error {
		items = append(items, Revision{
			Hash:      commit.Hash.String(),
			Message:   commit.Message,
			CreatedAt: commit.Author.When,
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// At returns the snapshot stored by a specific revision.
func (s *GitStore) At(_ context.Context, roomID, hash string) ([]byte, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(roomID)
	if err != nil {
		return nil, err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, apperr.NotFound("revision %s of room %s", hash, roomID)
	}
	commit, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, apperr.NotFound("revision %s of room %s", hash, roomID)
	}
	return readSnapshot(commit, roomID)
}

func (s *GitStore) repoPath(roomID string) string {
	return filepath.Join(s.baseDir, roomID)
}

func (s *GitStore) open(roomID string) (*git.Repository, error) {
	if err := ValidRoomID(roomID); err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(s.repoPath(roomID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, apperr.NotFound("snapshot for room %s", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *GitStore) openOrInit(roomID string) (*git.Repository, error) {
	path := s.repoPath(roomID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *GitStore) roomLock(roomID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roomID] = lock
	}
	return lock
}

func readSnapshot(commit *object.Commit, roomID string) ([]byte, error) {
	file, err := commit.File(Key(roomID))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, apperr.NotFound("snapshot for room %s", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return data, nil
}
