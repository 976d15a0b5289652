// Package gitops shells out to git for workspace preparation, feature
// branches, and pushes. Credentials never reach argv logs or errors.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Change classifications from git diff --name-status.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// DefaultTimeout bounds any single git invocation.
const DefaultTimeout = 60 * time.Second

var branchPartRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ChangedFile is one entry of a branch diff.
type ChangedFile struct {
	Path   string `json:"path"`
	Change string `json:"change"`
}

// Client runs git commands with prompting disabled and credential
// masking on all captured output.
type Client struct {
	timeout time.Duration
}

// NewClient creates a git client with the default timeout.
func NewClient() *Client {
	return &Client{timeout: DefaultTimeout}
}

// maskingWriter redacts embedded credentials before output is stored.
type maskingWriter struct {
	w io.Writer
}

var reBasicAuth = regexp.MustCompile(`https://[^@/\s]+@`)

func (mw *maskingWriter) Write(p []byte) (int, error) {
	s := reBasicAuth.ReplaceAllString(string(p), "https://***@")
	_, err := mw.w.Write([]byte(s))
	return len(p), err
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(runCtx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")
	masked := &maskingWriter{w: &buf}
	cmd.Stdout = masked
	cmd.Stderr = masked

	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

// Clone clones url into dest.
func (c *Client) Clone(ctx context.Context, repoURL, dest string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(cloneCtx, "git", "clone", repoURL, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")
	var buf bytes.Buffer
	masked := &maskingWriter{w: &buf}
	cmd.Stdout = masked
	cmd.Stderr = masked
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(buf.String()))
	}
	return nil
}

// Pull fast-forwards the current branch.
func (c *Client) Pull(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "pull")
	return err
}

// ConfigureAuthor sets the repo-local commit identity.
func (c *Client) ConfigureAuthor(ctx context.Context, dir, name, email string) error {
	if _, err := c.run(ctx, dir, "config", "user.name", name); err != nil {
		return err
	}
	_, err := c.run(ctx, dir, "config", "user.email", email)
	return err
}

// IsRepo reports whether dir is inside a git work tree.
func (c *Client) IsRepo(dir string) bool {
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	return cmd.Run() == nil
}

func (c *Client) localBranchExists(ctx context.Context, dir, branch string) bool {
	_, err := c.run(ctx, dir, "show-ref", "--verify", "refs/heads/"+branch)
	return err == nil
}

// BranchParams names the parts of a feature branch.
type BranchParams struct {
	WorkspacePath string
	AgentType     string
	StoryID       string
	BaseBranch    string
}

// CreateFeatureBranch checks out devos/{agentType}/{storyId}, creating
// it from the base branch when new. Every name component is validated
// before it reaches a command line.
func (c *Client) CreateFeatureBranch(ctx context.Context, p BranchParams) (string, error) {
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	for _, part := range []string{p.AgentType, p.StoryID, p.BaseBranch} {
		if !branchPartRe.MatchString(part) {
			return "", fmt.Errorf("invalid branch name component %q", part)
		}
	}
	branch := fmt.Sprintf("devos/%s/%s", p.AgentType, p.StoryID)

	if c.localBranchExists(ctx, p.WorkspacePath, branch) {
		if _, err := c.run(ctx, p.WorkspacePath, "checkout", branch); err != nil {
			return "", err
		}
		// Best effort: the branch may have no upstream yet.
		_, _ = c.run(ctx, p.WorkspacePath, "pull")
		return branch, nil
	}

	if _, err := c.run(ctx, p.WorkspacePath, "checkout", "-b", branch, p.BaseBranch); err != nil {
		return "", err
	}
	return branch, nil
}

// PushBranch pushes with the token embedded in the remote URL. On a
// rejected push it rebases onto the remote and retries once. The token
// never appears in a returned error.
func (c *Client) PushBranch(ctx context.Context, dir, branch, repoURL, token string) error {
	pushURL, err := authURL(repoURL, token)
	if err != nil {
		return err
	}

	_, pushErr := c.run(ctx, dir, "push", "-u", pushURL, branch)
	if pushErr == nil {
		return nil
	}

	if _, err := c.run(ctx, dir, "pull", "--rebase"); err != nil {
		return redactToken(fmt.Errorf("push rejected and rebase failed: %w", err), token)
	}
	if _, err := c.run(ctx, dir, "push", "-u", pushURL, branch); err != nil {
		return redactToken(fmt.Errorf("push failed after rebase: %w", err), token)
	}
	return nil
}

// GetChangedFiles diffs base...branch and classifies each entry. A
// rename reports the new path as modified.
func (c *Client) GetChangedFiles(ctx context.Context, dir, branch, base string) ([]ChangedFile, error) {
	if base == "" {
		base = "main"
	}
	out, err := c.run(ctx, dir, "diff", "--name-status", base+"..."+branch)
	if err != nil {
		return nil, err
	}

	var files []ChangedFile
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		switch {
		case status == "A":
			files = append(files, ChangedFile{Path: fields[1], Change: ChangeCreated})
		case status == "M":
			files = append(files, ChangedFile{Path: fields[1], Change: ChangeModified})
		case status == "D":
			files = append(files, ChangedFile{Path: fields[1], Change: ChangeDeleted})
		case strings.HasPrefix(status, "R") && len(fields) >= 3:
			files = append(files, ChangedFile{Path: fields[2], Change: ChangeModified})
		}
	}
	return files, nil
}

func authURL(repoURL, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository url: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func redactToken(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "***"))
}
