package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPPublisher patches batches into the trace collection REST endpoint.
type HTTPPublisher struct {
	client *resty.Client
}

func NewHTTPPublisher(baseURL string, timeout time.Duration) *HTTPPublisher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-cloud-trace-agent-request", "1")
	return &HTTPPublisher{client: client}
}

func (p *HTTPPublisher) Publish(ctx context.Context, projectID string, batch []byte) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("projectId", projectID).
		SetBody(batch).
		Patch("/projects/{projectId}/traces")
	if err != nil {
		return fmt.Errorf("sending traces: %w", err)
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
