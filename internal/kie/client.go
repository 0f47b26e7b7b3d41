package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/PresetStudio/internal/config"
)

const (
	ModelNanoBananaPro  = "nano-banana-pro"
	ModelFlux2Image     = "flux-2/pro-image-to-image"
	ModelFlux2Text      = "flux-2/pro-text-to-image"
	maxDownloadBytes    = 32 << 20
	defaultOutputFormat = "png"
)

// TaskState is the normalized provider job state.
type TaskState string

const (
	StateQueued  TaskState = "queued"
	StateRunning TaskState = "running"
	StateDone    TaskState = "done"
	StateFailed  TaskState = "failed"
)

var ErrTaskFailed = errors.New("kie task failed")

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type GenerateOptions struct {
	Model        string
	Prompt       string
	AspectRatio  string
	Resolution   string
	InputURLs    []string
	OutputFormat string
}

type TaskStatus struct {
	TaskID     string
	State      TaskState
	ResultURLs []string
	FailCode   string
	FailMsg    string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &Client{
		apiKey:  cfg.KIEAPIKey,
		baseURL: strings.TrimRight(cfg.KIEBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Submit creates a generation task and returns its id. The caller drives polling.
func (c *Client) Submit(ctx context.Context, opts GenerateOptions) (string, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	return c.createTask(ctx, buildPayload(opts))
}

func buildPayload(opts GenerateOptions) map[string]any {
	input := map[string]any{
		"prompt":       opts.Prompt,
		"aspect_ratio": opts.AspectRatio,
		"resolution":   opts.Resolution,
	}

	model := opts.Model
	switch model {
	case ModelFlux2Image, ModelFlux2Text:
		model = ModelFlux2Text
		if len(opts.InputURLs) > 0 {
			model = ModelFlux2Image
			input["input_urls"] = opts.InputURLs
		}
	default:
		if model == "" {
			model = ModelNanoBananaPro
		}
		format := defaultOutputFormat
		if opts.OutputFormat != "" {
			format = strings.ToLower(opts.OutputFormat)
		}
		input["output_format"] = format
		if len(opts.InputURLs) > 0 {
			input["image_input"] = opts.InputURLs
		}
	}

	return map[string]any{
		"model": model,
		"input": input,
	}
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	if c.log != nil {
		c.log.Info("creating KIE task", "url", fullURL, "model", getModelFromPayload(payload))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	rawBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("decode create task response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("create task failed: code=%d msg=%s", createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}

	if c.log != nil {
		c.log.Info("KIE task created", "task_id", createResp.Data.TaskID)
	}
	return createResp.Data.TaskID, nil
}

// Poll fetches the current state of a task once.
func (c *Client) Poll(ctx context.Context, taskID string) (*TaskStatus, error) {
	params := url.Values{}
	params.Set("taskId", taskID)
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	rawBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var statusResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID     string `json:"taskId"`
			State      string `json:"state"`
			ResultJSON string `json:"resultJson"`
			FailCode   string `json:"failCode"`
			FailMsg    string `json:"failMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &statusResp); err != nil {
		return nil, fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if statusResp.Code != 200 {
		return nil, fmt.Errorf("get task status failed: code=%d msg=%s", statusResp.Code, statusResp.Msg)
	}

	status := &TaskStatus{TaskID: taskID}
	switch statusResp.Data.State {
	case "success":
		if statusResp.Data.ResultJSON == "" {
			return nil, fmt.Errorf("empty resultJson in success response")
		}
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
			return nil, fmt.Errorf("parse resultJson: %w", err)
		}
		if len(result.ResultURLs) == 0 {
			return nil, fmt.Errorf("no resultUrls in result")
		}
		status.State = StateDone
		status.ResultURLs = result.ResultURLs
	case "fail":
		status.State = StateFailed
		status.FailCode = statusResp.Data.FailCode
		status.FailMsg = statusResp.Data.FailMsg
		if status.FailMsg == "" {
			status.FailMsg = "unknown error"
		}
		if c.log != nil {
			c.log.Error("KIE task failed", "task_id", taskID, "fail_code", status.FailCode, "fail_msg", status.FailMsg)
		}
	case "waiting", "queued", "queueing":
		status.State = StateQueued
	case "generating", "processing":
		status.State = StateRunning
	default:
		return nil, fmt.Errorf("unknown task state: %s", statusResp.Data.State)
	}
	return status, nil
}

// Err converts a failed status into an error wrapping ErrTaskFailed.
func (s *TaskStatus) Err() error {
	if s.State != StateFailed {
		return nil
	}
	return fmt.Errorf("%w: %s (code: %s)", ErrTaskFailed, s.FailMsg, s.FailCode)
}

// Download fetches a generated asset and reports its content type.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download result: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read result: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", fmt.Errorf("result exceeds %d bytes", maxDownloadBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty result body")
	}
	return data, detectContentType(resp.Header.Get("Content-Type"), data), nil
}

func detectContentType(header string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	return http.DetectContentType(data)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kie request: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("KIE request failed", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("kie error: status=%d url=%s body=%s", resp.StatusCode, req.URL.String(), truncateBody(rawBody))
	}
	return rawBody, nil
}

func getModelFromPayload(payload map[string]any) string {
	if model, ok := payload["model"].(string); ok {
		return model
	}
	return "unknown"
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
