// Package client is a typed HTTP client for the container service API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/xtracthub/container-service/pkg/builder"
)

var (
	// ErrNotFound is returned when the service reports a missing resource.
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden is returned for records owned by someone else.
	ErrForbidden = errors.New("forbidden")
)

// APIError carries a non-success response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrForbidden
	}
	return nil
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client authenticating with token. Streaming and artifact
// calls are bounded by their context only.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

const requestTimeout = 30 * time.Second

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when the status matches.
func (c *Client) do(req *http.Request, want int, out any) error {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(payload))
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func (c *Client) postJSON(ctx context.Context, path string, in any, want int, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, want, out)
}

func (c *Client) postFile(ctx context.Context, path, filename string, content io.Reader, fields map[string]string, want int, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return fmt.Errorf("copy %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, want, out)
}

// UploadDefinition stores a recipe and returns its definition id. A file
// named Dockerfile is recorded as a docker definition.
func (c *Client) UploadDefinition(ctx context.Context, filename string, content io.Reader) (string, error) {
	var out struct {
		DefinitionID string `json:"definition_id"`
	}
	if err := c.postFile(ctx, "/definitions", filename, content, nil, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.DefinitionID, nil
}

// BuildRequest mirrors the POST /builds payload.
type BuildRequest struct {
	DefinitionID  string `json:"definition_id"`
	Format        string `json:"to_format"`
	ContainerName string `json:"container_name"`
}

type buildIDResponse struct {
	BuildID string `json:"build_id"`
}

// SubmitBuild enqueues a build and returns its build id.
func (c *Client) SubmitBuild(ctx context.Context, req BuildRequest) (string, error) {
	var out buildIDResponse
	if err := c.postJSON(ctx, "/builds", req, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.BuildID, nil
}

// SubmitRepo2Docker enqueues a repo2docker build of a git repository.
func (c *Client) SubmitRepo2Docker(ctx context.Context, gitRepo, containerName string) (string, error) {
	in := map[string]string{"git_repo": gitRepo, "container_name": containerName}
	var out buildIDResponse
	if err := c.postJSON(ctx, "/repo2docker", in, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.BuildID, nil
}

// UploadRepo2Docker enqueues a repo2docker build of a zip or tar archive.
func (c *Client) UploadRepo2Docker(ctx context.Context, filename string, archive io.Reader, containerName string) (string, error) {
	var out buildIDResponse
	fields := map[string]string{"container_name": containerName}
	if err := c.postFile(ctx, "/repo2docker", filename, archive, fields, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.BuildID, nil
}

// ConvertDefinition translates a definition into the other dialect.
func (c *Client) ConvertDefinition(ctx context.Context, definitionID, name string) (string, error) {
	var out struct {
		DefinitionID string `json:"definition_id"`
	}
	in := map[string]string{"name": name}
	if err := c.postJSON(ctx, "/definitions/"+definitionID+"/convert", in, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.DefinitionID, nil
}

func (c *Client) GetBuild(ctx context.Context, buildID string) (builder.Build, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/builds/"+buildID, nil)
	if err != nil {
		return builder.Build{}, err
	}
	var out builder.Build
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return builder.Build{}, err
	}
	return out, nil
}

func (c *Client) ListBuilds(ctx context.Context) ([]builder.Build, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/builds", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Builds []builder.Build `json:"builds"`
	}
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Builds, nil
}

// Threads returns worker states keyed by worker id.
func (c *Client) Threads(ctx context.Context) (map[string]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/threads", nil)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamLogs follows a build's log stream, calling fn for each line until
// the server closes the stream or ctx is cancelled.
func (c *Client) StreamLogs(ctx context.Context, buildID string, fn func(string) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/builds/"+buildID+"/logs", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	err = ReadEvents(resp.Body, fn)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// DownloadArtifact copies a finished build's image into w.
func (c *Client) DownloadArtifact(ctx context.Context, buildID string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/builds/"+buildID+"/artifact", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, readError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy artifact: %w", err)
	}
	return n, nil
}

// ParseSSEEvent extracts the data payload from one SSE event.
func ParseSSEEvent(lines []string) (string, bool) {
	var data []string
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(data) == 0 {
		return "", false
	}
	return strings.Join(data, "\n"), true
}

// ReadEvents streams SSE events, invoking eventFn for each completed event.
func ReadEvents(body io.Reader, eventFn func(string) error) error {
	reader := bufio.NewReader(body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if tail := strings.TrimRight(line, "\r\n"); tail != "" {
					lines = append(lines, tail)
				}
				return dispatchEvent(lines, eventFn)
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatchEvent(lines, eventFn); err != nil {
				return err
			}
			lines = lines[:0]
			continue
		}
		lines = append(lines, trimmed)
	}
}

func dispatchEvent(lines []string, eventFn func(string) error) error {
	payload, ok := ParseSSEEvent(lines)
	if !ok {
		return nil
	}
	return eventFn(payload)
}
