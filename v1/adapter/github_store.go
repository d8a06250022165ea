package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levigross/grequests"

	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
)

const (
	defaultGitHubAPI       = "https://api.github.com"
	defaultGitHubOpTimeout = 10 * time.Second
	lockFileName           = "lock.json"
	commitTitle            = "pick-runner lock"
)

// GitHubError reports a GitHub API response that is neither success nor one
// of the statuses mapped to ErrAlreadyExists or ErrNotFound.
type GitHubError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *GitHubError) Error() string {
	return fmt.Sprintf("github: %s %s -> %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// GitHubStore implements RefStore on the git references of a GitHub
// repository. A record is a ref refs/<name> pointing to a parentless commit
// whose message carries the metadata; the commit's committer date, set by
// GitHub, is the record's creation time.
type GitHubStore struct {
	api     string
	owner   string
	repo    string
	token   string
	timeout time.Duration
}

// GitHubOption configures a GitHubStore.
type GitHubOption func(*GitHubStore)

// WithGitHubAPI sets the API base URL, e.g. for GitHub Enterprise.
func WithGitHubAPI(api string) GitHubOption {
	return func(s *GitHubStore) {
		s.api = strings.TrimRight(api, "/")
	}
}

// WithGitHubTimeout sets the timeout of every API request.
func WithGitHubTimeout(d time.Duration) GitHubOption {
	return func(s *GitHubStore) {
		s.timeout = d
	}
}

// NewGitHubStore returns a store for repository "owner/name" authenticated
// with token.
func NewGitHubStore(repository, token string, opts ...GitHubOption) (*GitHubStore, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("github store: repository must be owner/name, got %q", repository)
	}
	s := &GitHubStore{
		api:     defaultGitHubAPI,
		owner:   owner,
		repo:    repo,
		token:   token,
		timeout: defaultGitHubOpTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type gitObject struct {
	SHA string `json:"sha"`
}

type gitRef struct {
	Ref    string    `json:"ref"`
	Object gitObject `json:"object"`
}

type gitCommit struct {
	SHA       string `json:"sha"`
	Message   string `json:"message"`
	Committer struct {
		Date time.Time `json:"date"`
	} `json:"committer"`
}

type apiMessage struct {
	Message string `json:"message"`
}

// Create implements RefStore.Create.
func (s *GitHubStore) Create(ctx context.Context, name string, meta Metadata) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	var tree gitObject
	if err := s.do(ctx, http.MethodPost, "/git/trees", map[string]interface{}{
		"tree": []map[string]string{{
			"path":    lockFileName,
			"mode":    "100644",
			"type":    "blob",
			"content": string(payload),
		}},
	}, &tree); err != nil {
		return err
	}

	var commit gitCommit
	if err := s.do(ctx, http.MethodPost, "/git/commits", map[string]interface{}{
		"message": commitTitle + "\n\n" + string(payload),
		"tree":    tree.SHA,
		"parents": []string{},
	}, &commit); err != nil {
		return err
	}

	err = s.do(ctx, http.MethodPost, "/git/refs", map[string]string{
		"ref": "refs/" + name,
		"sha": commit.SHA,
	}, nil)
	var ghErr *GitHubError
	if stdErrors.As(err, &ghErr) && ghErr.Code == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(ghErr.Message), "already exists") {
		return warperrors.ErrAlreadyExists
	}
	return err
}

// Delete implements RefStore.Delete.
func (s *GitHubStore) Delete(ctx context.Context, name string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	err := s.do(ctx, http.MethodDelete, "/git/refs/"+escapeRef(name), nil, nil)
	var ghErr *GitHubError
	if stdErrors.As(err, &ghErr) && (ghErr.Code == http.StatusNotFound ||
		(ghErr.Code == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(ghErr.Message), "does not exist"))) {
		return warperrors.ErrNotFound
	}
	return err
}

// CompareAndDelete implements CompareAndDeleter. The GitHub API has no
// conditional ref deletion, so the holder is checked by a read immediately
// before the delete.
func (s *GitHubStore) CompareAndDelete(ctx context.Context, name, holder string) error {
	rec, err := s.Read(ctx, name)
	if err != nil {
		return err
	}
	if rec.Metadata.Holder != holder {
		return warperrors.ErrNotFound
	}
	return s.Delete(ctx, name)
}

// Read implements RefStore.Read.
func (s *GitHubStore) Read(ctx context.Context, name string) (Record, error) {
	if err := ctxErr(ctx); err != nil {
		return Record{}, err
	}
	var ref gitRef
	err := s.do(ctx, http.MethodGet, "/git/ref/"+escapeRef(name), nil, &ref)
	var ghErr *GitHubError
	if stdErrors.As(err, &ghErr) && ghErr.Code == http.StatusNotFound {
		return Record{}, warperrors.ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var commit gitCommit
	if err := s.do(ctx, http.MethodGet, "/git/commits/"+ref.Object.SHA, nil, &commit); err != nil {
		return Record{}, err
	}

	rec := Record{Name: name, CreatedAt: commit.Committer.Date}
	if _, body, ok := strings.Cut(commit.Message, "\n\n"); ok {
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata of %s: %w", name, err)
		}
	}
	return rec, nil
}

func (s *GitHubStore) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	target := fmt.Sprintf("%s/repos/%s/%s%s", s.api, s.owner, s.repo, path)
	ro := &grequests.RequestOptions{
		Headers: map[string]string{
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": "2022-11-28",
		},
		UserAgent:      "pick-runner-action",
		RequestTimeout: s.timeout,
		Context:        ctx,
	}
	if s.token != "" {
		ro.Headers["Authorization"] = "Bearer " + s.token
	}
	if body != nil {
		ro.JSON = body
	}

	resp, err := grequests.DoRegularRequest(method, target, ro)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return warperrors.ErrTimeout
		}
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Close()

	if !resp.Ok {
		var msg apiMessage
		raw := resp.String()
		if jerr := json.Unmarshal([]byte(raw), &msg); jerr != nil || msg.Message == "" {
			msg.Message = strings.TrimSpace(raw)
		}
		return &GitHubError{Method: method, Path: path, Code: resp.StatusCode, Message: msg.Message}
	}
	if out != nil {
		if err := resp.JSON(out); err != nil {
			return fmt.Errorf("github: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func escapeRef(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
