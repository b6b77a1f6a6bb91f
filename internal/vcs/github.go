// Package vcs talks to the GitHub REST API on behalf of the rollout
// automation.
package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"lpvalidation/services/analytics/internal/rollout"
)

const (
	DefaultBaseURL = "https://api.github.com"
	DefaultOwner   = "Unson-LLC"
	DefaultRepo    = "unson_os"

	acceptHeader   = "application/vnd.github.v3+json"
	requestTimeout = 15 * time.Second
	errorBodyLimit = 1024
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return "GitHub API Error: " + e.Message
}

func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

var _ rollout.VCSClient = (*GitHub)(nil)

type Config struct {
	BaseURL string
	Owner   string
	Repo    string
	Token   string
}

type GitHub struct {
	client  *http.Client
	baseURL string
	owner   string
	repo    string
}

// NewGitHub builds a client that authenticates with a static token. Without
// a token requests go out anonymously and writes fail with 401.
func NewGitHub(ctx context.Context, cfg Config) *GitHub {
	var client *http.Client
	if token := strings.TrimSpace(cfg.Token); token != "" {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	} else {
		client = &http.Client{}
	}
	client.Timeout = requestTimeout
	return newGitHub(client, cfg)
}

// NewGitHubWithClient uses client as is; the caller owns authentication.
func NewGitHubWithClient(client *http.Client, cfg Config) *GitHub {
	return newGitHub(client, cfg)
}

func newGitHub(client *http.Client, cfg Config) *GitHub {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	owner, repo := cfg.Owner, cfg.Repo
	if owner == "" {
		owner = DefaultOwner
	}
	if repo == "" {
		repo = DefaultRepo
	}
	return &GitHub{client: client, baseURL: baseURL, owner: owner, repo: repo}
}

type branchResponse struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func (g *GitHub) GetBranch(ctx context.Context, name string) (rollout.Branch, error) {
	var out branchResponse
	if err := g.do(ctx, http.MethodGet, "branches/"+escapePath(name), nil, &out); err != nil {
		return rollout.Branch{}, err
	}
	return rollout.Branch{Name: out.Name, SHA: out.Commit.SHA}, nil
}

// CreateBranch points a new ref at the head of base. A branch that already
// exists is left alone so a re-run on the same day can proceed.
func (g *GitHub) CreateBranch(ctx context.Context, name, base string) error {
	baseBranch, err := g.GetBranch(ctx, base)
	if err != nil {
		return fmt.Errorf("read base branch %s: %w", base, err)
	}

	body := map[string]string{
		"ref": "refs/heads/" + name,
		"sha": baseBranch.SHA,
	}
	err = g.do(ctx, http.MethodPost, "git/refs", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(apiErr.Message, "already exists") {
		return nil
	}
	return err
}

type contentResponse struct {
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (g *GitHub) GetFile(ctx context.Context, path, ref string) (rollout.ConfigDocument, error) {
	endpoint := "contents/" + escapePath(path)
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	var out contentResponse
	err := g.do(ctx, http.MethodGet, endpoint, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return rollout.ConfigDocument{}, fmt.Errorf("%w: %s", rollout.ErrFileNotFound, path)
	}
	if err != nil {
		return rollout.ConfigDocument{}, err
	}

	content := []byte(out.Content)
	if out.Encoding == "" || out.Encoding == "base64" {
		decoded, err := decodeContent(out.Content)
		if err != nil {
			return rollout.ConfigDocument{}, fmt.Errorf("decode %s: %w", path, err)
		}
		content = decoded
	}
	return rollout.ConfigDocument{Path: path, Content: content, Revision: out.SHA}, nil
}

type updateFileRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type updateFileResponse struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// UpdateFile commits content and returns the new commit sha. An empty
// Revision creates the file.
func (g *GitHub) UpdateFile(ctx context.Context, update rollout.FileUpdate) (string, error) {
	body := updateFileRequest{
		Message: update.Message,
		Content: base64.StdEncoding.EncodeToString(update.Content),
		SHA:     update.Revision,
		Branch:  update.Branch,
	}
	var out updateFileResponse
	if err := g.do(ctx, http.MethodPut, "contents/"+escapePath(update.Path), body, &out); err != nil {
		return "", err
	}
	return out.Commit.SHA, nil
}

type pullRequestResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

func (g *GitHub) CreatePR(ctx context.Context, input rollout.PullRequestInput) (rollout.PullRequest, error) {
	body := map[string]string{
		"title": input.Title,
		"body":  input.Body,
		"head":  input.Head,
		"base":  input.Base,
	}
	var out pullRequestResponse
	if err := g.do(ctx, http.MethodPost, "pulls", body, &out); err != nil {
		return rollout.PullRequest{}, err
	}
	return rollout.PullRequest{Number: out.Number, HTMLURL: out.HTMLURL}, nil
}

func (g *GitHub) do(ctx context.Context, method, endpoint string, body any, out any) error {
	target := fmt.Sprintf("%s/repos/%s/%s/%s", g.baseURL, url.PathEscape(g.owner), url.PathEscape(g.repo), endpoint)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", acceptHeader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := g.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, errorBodyLimit))
		return &APIError{StatusCode: response.StatusCode, Message: errorMessage(response.StatusCode, rawBody)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, endpoint, err)
	}
	return nil
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		return trimmed
	}
	return http.StatusText(status)
}

// decodeContent accepts the API's base64, which is wrapped at 60 columns.
func decodeContent(encoded string) ([]byte, error) {
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(encoded)
	return base64.StdEncoding.DecodeString(cleaned)
}

func escapePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
