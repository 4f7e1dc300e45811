// Package gitrepo keeps a git history of every curated view recorded for a document.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"concord/api/internal/annotation"
)

const (
	viewFile   = "curation.json"
	branchName = "main"
)

// Commit describes one recorded snapshot.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordCuratedView commits the view as the document's current curated snapshot and returns the
// short commit hash. The repository is created on first use.
func (s *Service) RecordCuratedView(_ context.Context, view *annotation.View, actor string) (string, error) {
	if view == nil {
		return "", errors.New("record curated view: view is required")
	}
	lock := s.documentLock(view.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal view: %w", err)
	}
	message := fmt.Sprintf("Record curated view of %s\n\ninstances=%d schema=%d", view.DocumentName, view.Count(), view.SchemaVersion)

	path := s.repoPath(view.DocumentID)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		hash, err := s.initRepo(path, payload, actor, message)
		if err != nil {
			return "", err
		}
		return hash.String()[:7], nil
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	hash, err := commit(repo, payload, actor, message)
	if err != nil {
		return "", err
	}
	return hash.String()[:7], nil
}

func (s *Service) initRepo(path string, payload []byte, actor, message string) (plumbing.Hash, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, viewFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write curated view: %w", err)
	}
	if _, err := worktree.Add(viewFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add curated view: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(actor)})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit curated view: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branchName), hash)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("set HEAD to main: %w", err)
	}
	return hash, nil
}

func commit(repo *git.Repository, payload []byte, actor, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branchName), Force: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("checkout branch %s: %w", branchName, err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, viewFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write curated view: %w", err)
	}
	if _, err := worktree.Add(viewFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add curated view: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(actor),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit curated view: %w", err)
	}
	return hash, nil
}

// History lists recorded snapshots, newest first. limit <= 0 returns all of them.
func (s *Service) History(documentID string, limit int) ([]Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// ViewAt decodes the curated view recorded in the given commit.
func (s *Service) ViewAt(documentID, hash string) (*annotation.View, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readView(commitObj)
}

// LayerChange is the instance count delta of one layer between two snapshots.
type LayerChange struct {
	Layer  string `json:"layer"`
	Before int    `json:"before"`
	After  int    `json:"after"`
}

// Changes compares the per-layer instance counts of two views, sorted by layer name.
func Changes(from, to *annotation.View) []LayerChange {
	before := layerCounts(from)
	after := layerCounts(to)
	names := make(map[string]struct{}, len(before)+len(after))
	for name := range before {
		names[name] = struct{}{}
	}
	for name := range after {
		names[name] = struct{}{}
	}

	result := make([]LayerChange, 0)
	for name := range names {
		if before[name] == after[name] {
			continue
		}
		result = append(result, LayerChange{Layer: name, Before: before[name], After: after[name]})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Layer < result[j].Layer })
	return result
}

func layerCounts(view *annotation.View) map[string]int {
	counts := make(map[string]int)
	if view == nil {
		return counts
	}
	for _, inst := range view.Instances() {
		counts[inst.Layer]++
	}
	return counts
}

func readView(commitObj *object.Commit) (*annotation.View, error) {
	file, err := commitObj.File(viewFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", viewFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open view reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read view bytes: %w", err)
	}
	var view annotation.View
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("decode commit view: %w", err)
	}
	return &view, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, sanitizePath(documentID))
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(actor string) *object.Signature {
	if actor == "" {
		actor = "concord"
	}
	return &object.Signature{
		Name:  actor,
		Email: fmt.Sprintf("%s@local.concord.dev", sanitizeEmail(actor)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// sanitizePath keeps document ids from escaping the base directory.
func sanitizePath(documentID string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, documentID)
	if clean == "" || clean == "." || clean == ".." {
		return "_"
	}
	return clean
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
