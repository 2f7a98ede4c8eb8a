// Package gitops wraps the go-git operations the pipeline performs on
// knowledge base repositories: stage, commit, push, pull, status. Every
// successful operation is mirrored onto the event bus.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/internal/fault"
)

const (
	defaultRemote      = "origin"
	defaultAuthorName  = "notemill"
	defaultAuthorEmail = "notemill@localhost"
)

// Options configures a Service over one KB working tree.
type Options struct {
	Root   string
	KBID   string
	UserID int64
	// Bus receives kb.git.* events; may be nil.
	Bus bus.Publisher
	// Branch overrides the checked-out branch for push and pull. When
	// empty the current HEAD branch is used; an unborn HEAD without an
	// explicit branch is an error, never a silent default.
	Branch string
	Remote string
	// Token authenticates HTTPS remotes as x-access-token.
	Token       string
	AuthorName  string
	AuthorEmail string
}

// Service is a handle on one repository. Callers serialize access per
// KB through the sync manager; Service itself adds no locking.
type Service struct {
	repo *git.Repository
	opts Options
}

// Open attaches to an existing repository at opts.Root.
func Open(opts Options) (*Service, error) {
	if opts.Remote == "" {
		opts.Remote = defaultRemote
	}
	if opts.AuthorName == "" {
		opts.AuthorName = defaultAuthorName
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = defaultAuthorEmail
	}
	repo, err := git.PlainOpen(opts.Root)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fault.Newf(fault.NotFound, "no git repository at %s", opts.Root)
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return &Service{repo: repo, opts: opts}, nil
}

// Init creates a repository at root. Reinitializing an existing one is
// not an error for the caller to handle specially.
func Init(root string) error {
	_, err := git.PlainInit(root, false)
	if err != nil && !errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return fmt.Errorf("init repository: %w", err)
	}
	return nil
}

// IsRepo reports whether root holds a git repository.
func IsRepo(root string) bool {
	_, err := git.PlainOpen(root)
	return err == nil
}

// CurrentBranch resolves the branch pushes and pulls will target:
// the explicit option first, the checked-out branch otherwise.
func (s *Service) CurrentBranch() (string, error) {
	if s.opts.Branch != "" {
		return s.opts.Branch, nil
	}
	head, err := s.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fault.New(fault.Validation, "repository has no commits and no branch is configured")
		}
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fault.New(fault.Validation, "HEAD is detached, configure an explicit branch")
	}
	return head.Name().Short(), nil
}

// HasRemote reports whether the push/pull remote is configured.
func (s *Service) HasRemote() bool {
	_, err := s.repo.Remote(s.opts.Remote)
	return err == nil
}

// SetRemote adds or replaces the configured remote.
func (s *Service) SetRemote(url string) error {
	if s.HasRemote() {
		if err := s.repo.DeleteRemote(s.opts.Remote); err != nil {
			return fmt.Errorf("replace remote: %w", err)
		}
	}
	_, err := s.repo.CreateRemote(&gitcfg.RemoteConfig{
		Name: s.opts.Remote,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	return nil
}

// Status lists changed paths in porcelain-like "XY path" form, sorted.
func (s *Service) Status() ([]string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	lines := make([]string, 0, len(status))
	for path, st := range status {
		lines = append(lines, fmt.Sprintf("%c%c %s", st.Staging, st.Worktree, path))
	}
	sort.Strings(lines)
	return lines, nil
}

// CommitAll stages everything and commits. A clean tree commits
// nothing and returns an empty hash.
func (s *Service) CommitAll(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Wrap(fault.Cancelled, "gitops.commit", err)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.opts.AuthorName,
			Email: s.opts.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	slog.Info("kb.git.commit", "kb", s.opts.KBID, "hash", hash.String()[:8], "files", len(status))
	s.publish(bus.TopicKBGitCommit, map[string]any{
		"hash":    hash.String(),
		"message": message,
		"files":   len(status),
	})
	return hash.String(), nil
}

// Push sends the current branch to the remote. Already-up-to-date is
// success.
func (s *Service) Push(ctx context.Context) error {
	branch, err := s.CurrentBranch()
	if err != nil {
		return err
	}
	refspec := gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: s.opts.Remote,
		RefSpecs:   []gitcfg.RefSpec{refspec},
		Auth:       s.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return remoteFault("push", err)
	}
	slog.Info("kb.git.push", "kb", s.opts.KBID, "branch", branch)
	s.publish(bus.TopicKBGitPush, map[string]any{"branch": branch})
	return nil
}

// Pull fast-forwards the current branch from the remote.
func (s *Service) Pull(ctx context.Context) error {
	branch, err := s.CurrentBranch()
	if err != nil {
		return err
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    s.opts.Remote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          s.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return remoteFault("pull", err)
	}
	slog.Info("kb.git.pull", "kb", s.opts.KBID, "branch", branch)
	s.publish(bus.TopicKBGitPull, map[string]any{"branch": branch})
	return nil
}

// Sync commits all changes and pushes when a remote is configured.
// The commit survives a failed push; callers surface the push error.
func (s *Service) Sync(ctx context.Context, message string) (string, error) {
	hash, err := s.CommitAll(ctx, message)
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", nil
	}
	if s.HasRemote() {
		if err := s.Push(ctx); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

// GC repacks loose objects. Invoked by the maintenance scheduler.
func (s *Service) GC(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.Cancelled, "gitops.gc", err)
	}
	if err := s.repo.RepackObjects(&git.RepackConfig{}); err != nil {
		return fmt.Errorf("repack: %w", err)
	}
	return nil
}

func (s *Service) auth() transport.AuthMethod {
	if s.opts.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: s.opts.Token,
	}
}

func (s *Service) publish(topic bus.Topic, data map[string]any) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Publish(bus.Event{
		Topic:  topic,
		UserID: s.opts.UserID,
		KBID:   s.opts.KBID,
		Source: "gitops",
		Time:   time.Now(),
		Data:   data,
	})
}

var remoteCredentialRe = regexp.MustCompile(`(https?://)[^/\s@]+@`)

// remoteFault rebuilds the error text instead of wrapping, so tokens
// embedded in remote URLs never ride along the chain.
func remoteFault(op string, err error) error {
	kind := fault.Transient
	switch {
	case errors.Is(err, context.Canceled):
		kind = fault.Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = fault.Timeout
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		kind = fault.Permanent
	}
	msg := remoteCredentialRe.ReplaceAllString(err.Error(), "${1}***@")
	return fault.Newf(kind, "git %s: %s", op, msg)
}
