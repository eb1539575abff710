package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Media job kinds
const (
	KindImage = "image"
	KindVideo = "video"
)

// MediaResult is a delivered generation result
type MediaResult struct {
	JobID string `json:"job_id"`
	URL   string `json:"url"`
	Model string `json:"model"`
}

// MediaClient talks to the media-generation provider's job API: submit a
// job, then poll until it settles. Transient failures on both legs go
// through the retrying client.
type MediaClient struct {
	retry        *RetryingClient
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewMediaClient creates a media generation client
func NewMediaClient(retry *RetryingClient, baseURL, apiKey string) *MediaClient {
	return &MediaClient{
		retry:        retry,
		baseURL:      baseURL,
		apiKey:       apiKey,
		pollInterval: 2 * time.Second,
		pollTimeout:  5 * time.Minute,
	}
}

type mediaJob struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // queued, running, succeeded, failed
	ResultURL string `json:"result_url,omitempty"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Generate submits a job of the given kind and blocks until the provider
// delivers a result URL or reports failure.
func (c *MediaClient) Generate(ctx context.Context, kind, model, prompt string) (*MediaResult, error) {
	payload, err := json.Marshal(map[string]string{
		"type":   kind,
		"model":  model,
		"prompt": prompt,
	})
	if err != nil {
		return nil, err
	}

	job, err := c.submit(ctx, payload)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.pollTimeout)
	for {
		switch job.Status {
		case "succeeded":
			if job.ResultURL == "" {
				return nil, fmt.Errorf("provider: job %s succeeded without a result", job.ID)
			}
			return &MediaResult{JobID: job.ID, URL: job.ResultURL, Model: job.Model}, nil
		case "failed":
			return nil, fmt.Errorf("provider: job %s failed: %s", job.ID, job.Error)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("provider: job %s did not settle within %s", job.ID, c.pollTimeout)
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		job, err = c.poll(ctx, job.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (c *MediaClient) submit(ctx context.Context, payload []byte) (*mediaJob, error) {
	resp, err := c.retry.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeJob(resp)
}

func (c *MediaClient) poll(ctx context.Context, jobID string) (*mediaJob, error) {
	resp, err := c.retry.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeJob(resp)
}

func decodeJob(resp *http.Response) (*mediaJob, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read job response: %w", err)
	}
	var job mediaJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("provider: parse job response: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("provider: job response missing id")
	}
	return &job, nil
}
