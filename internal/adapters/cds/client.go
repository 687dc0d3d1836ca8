// Package cds stages retrievals from a Copernicus data store processes API
// (CDS / ADS), such as the in-situ observation collections.
package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client submits retrievals and downloads their result asset.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewClient creates a client for the processes API rooted at baseURL.
// Transport failures and 5xx answers are retried up to retryMax times.
func NewClient(baseURL, apiKey string, retryMax int, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = slog.Default()
	rc.HTTPClient.Timeout = timeout

	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		http:         rc,
		pollInterval: 10 * time.Second,
		pollTimeout:  30 * time.Minute,
	}
}

// Stage runs the retrieval described by a cds:// source and stores its
// result asset in dir: submit, wait for the job, then download.
func (c *Client) Stage(ctx context.Context, src, dir string) (string, error) {
	req, err := ParseSource(src)
	if err != nil {
		return "", err
	}

	job, err := c.submit(ctx, req)
	if err != nil {
		return "", &ClientError{Message: "failed to submit execute request", Err: err}
	}
	slog.InfoContext(ctx, "cds job submitted", "process", req.Process, "job_id", job.JobID, "status", job.Status)

	if err := c.await(ctx, job.JobID); err != nil {
		return "", &ClientError{Message: "failed to wait for job completion", Err: err}
	}

	asset, err := c.result(ctx, job.JobID)
	if err != nil {
		return "", &ClientError{Message: "failed to get job results", Err: err}
	}

	target := filepath.Join(dir, fileName(req.Process, asset))
	if err := c.download(ctx, asset, target); err != nil {
		return "", &ClientError{Message: "failed to download asset", Err: err}
	}
	slog.InfoContext(ctx, "cds asset staged", "process", req.Process, "job_id", job.JobID, "path", target)
	return target, nil
}

func (c *Client) submit(ctx context.Context, req *ProcessRequest) (jobResponse, error) {
	var job jobResponse
	err := c.call(ctx, http.MethodPost, fmt.Sprintf("/processes/%s/execution", req.Process), req.Payload(), http.StatusCreated, &job)
	return job, err
}

// await polls the job until it succeeds, fails or the poll timeout passes.
func (c *Client) await(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var job jobResponse
		if err := c.call(ctx, http.MethodGet, "/jobs/"+jobID, nil, http.StatusOK, &job); err != nil {
			return err
		}

		switch job.Status {
		case jobStateSuccessful:
			return nil
		case jobStateFailed, jobStateRejected, jobStateDismissed:
			return fmt.Errorf("job %s failed with status: %s", jobID, job.Status)
		default:
			slog.DebugContext(ctx, "cds job pending", "job_id", jobID, "status", job.Status)
		}
	}
}

func (c *Client) result(ctx context.Context, jobID string) (value, error) {
	var res resultResponse
	if err := c.call(ctx, http.MethodGet, "/jobs/"+jobID+"/results", nil, http.StatusOK, &res); err != nil {
		return value{}, err
	}
	if res.Asset.Value.Href == "" {
		return value{}, fmt.Errorf("job %s has no result asset", jobID)
	}
	return res.Asset.Value, nil
}

// download streams the asset to target through a temporary sibling renamed
// on success. Asset URLs are pre-signed and carry no token.
func (c *Client) download(ctx context.Context, a value, target string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.Href, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{StatusCode: resp.StatusCode, Message: "asset download failed"}
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// call performs one authenticated JSON exchange with the API. in is encoded
// as the request body when non-nil; out receives the decoded answer.
func (c *Client) call(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("PRIVATE-TOKEN", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return &apiError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("%s %s", method, path)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
