package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Envelope wraps a collected artifact on its way to the data pipeline
type Envelope struct {
	PollerID   string    `json:"pollerId"`
	PollerName string    `json:"pollerName"`
	Type       string    `json:"type"`
	CycleNo    uint64    `json:"cycleNo"`
	Timestamp  time.Time `json:"timestamp"`
	Demo       bool      `json:"demo,omitempty"`
	Data       any       `json:"data"`
}

// PipelineClient posts envelopes to the data pipeline ingestion endpoint
type PipelineClient struct {
	client *resty.Client
	url    string
}

// NewPipelineClient creates a client posting to url
func NewPipelineClient(url string, opts ...Option) *PipelineClient {
	return &PipelineClient{client: newClient("", opts), url: url}
}

// Forward posts one envelope
func (c *PipelineClient) Forward(ctx context.Context, env Envelope) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(env).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("failed to forward %s artifact of %s: %w", env.Type, env.PollerName, err)
	}
	return classifyResponse(resp)
}
