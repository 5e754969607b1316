package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the platform's REST surface. Wire encoding is the
// platform's concern; this client only maps transport outcomes onto the
// typed failure taxonomy.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, query string) (*Submission, error) {
	var resp struct {
		TargetHandle string `json:"target_handle"`
		JobHandle    string `json:"job_handle"`
	}
	body := map[string]string{"query": query}
	if err := c.do(ctx, http.MethodPost, "/queries", body, &resp); err != nil {
		return nil, err
	}
	if resp.JobHandle == "" {
		return nil, &TransientError{Detail: "submission accepted without a job handle"}
	}
	return &Submission{TargetHandle: resp.TargetHandle, JobHandle: resp.JobHandle}, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, jobHandle string) (*RawStatus, error) {
	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	path := "/queries/" + url.PathEscape(jobHandle) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	switch resp.Status {
	case "running", "queued":
		return &RawStatus{State: StatusRunning}, nil
	case "error", "failed":
		return &RawStatus{State: StatusNotRunning, Failed: true, ErrorDetail: resp.Error}, nil
	default:
		return &RawStatus{State: StatusNotRunning}, nil
	}
}

func (c *HTTPClient) ProbeRows(ctx context.Context, targetHandle string) (*RowProbe, error) {
	var resp struct {
		Ready    bool  `json:"ready"`
		RowCount int64 `json:"row_count"`
	}
	path := "/targets/" + url.PathEscape(targetHandle)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &RowProbe{Ready: resp.Ready, RowCountHint: resp.RowCount}, nil
}

func (c *HTTPClient) FetchRows(ctx context.Context, targetHandle, pageToken string) (*RowPage, error) {
	var resp struct {
		Rows          []json.RawMessage `json:"rows"`
		NextPageToken string            `json:"next_page_token"`
	}
	path := "/targets/" + url.PathEscape(targetHandle) + "/rows"
	if pageToken != "" {
		path += "?page_token=" + url.QueryEscape(pageToken)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &RowPage{Rows: resp.Rows, NextPageToken: resp.NextPageToken}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &FatalError{Detail: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &FatalError{Detail: fmt.Sprintf("build request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Detail: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &TransientError{Detail: "read response body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Detail: strings.TrimSpace(string(data))}
	case resp.StatusCode >= 500:
		return &TransientError{Detail: fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &FatalError{Detail: fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransientError{Detail: "decode response", Err: err}
	}
	return nil
}
