// Package api is the HTTP client for the visionchat backend: the chat proxy,
// the upload-credentials endpoint and the presigned byte transfer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nbatchelor/visionchat/internal/attach"
	"github.com/nbatchelor/visionchat/internal/chat"
)

const defaultTimeout = 120 * time.Second

type Options struct {
	Logger  *slog.Logger
	BaseURL string

	// HTTPClient overrides the default client (tests inject a short-timeout one).
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client implements chat.Backend and attach.Uploader against the backend
// service contracts.
type Client struct {
	log     *slog.Logger
	baseURL string
	httpc   *http.Client
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing BaseURL")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpc = &http.Client{Timeout: timeout}
	}
	return &Client{log: logger, baseURL: base, httpc: httpc}, nil
}

type chatRequest struct {
	Input []chat.Message `json:"input"`
}

type uploadRequest struct {
	Files []attach.FileInfo `json:"files"`
}

type uploadResponse struct {
	PresignedUrls []string `json:"presignedUrls"`
}

// Chat posts the full message log and returns the model's response message.
func (c *Client) Chat(ctx context.Context, input []chat.Message) (chat.Message, error) {
	var reply chat.Message
	if err := c.postJSON(ctx, "/api/chat", chatRequest{Input: input}, &reply); err != nil {
		return chat.Message{}, err
	}
	if reply.Kind == "" {
		reply.Kind = chat.KindResponse
	}
	return reply, nil
}

// UploadCredentials requests one presigned destination per file, in order.
func (c *Client) UploadCredentials(ctx context.Context, files []attach.FileInfo) ([]string, error) {
	var out uploadResponse
	if err := c.postJSON(ctx, "/api/upload", uploadRequest{Files: files}, &out); err != nil {
		return nil, err
	}
	return out.PresignedUrls, nil
}

// Upload PUTs the raw file bytes to a presigned destination.
func (c *Client) Upload(ctx context.Context, presignedURL, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimSpace(presignedURL), bytes.NewReader(data))
	if err != nil {
		return err
	}
	if strings.TrimSpace(contentType) != "" {
		req.Header.Set("Content-Type", strings.TrimSpace(contentType))
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("upload failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s failed: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s returned malformed JSON: %w", path, err)
	}
	return nil
}
