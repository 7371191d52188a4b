package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	telemetry "github.com/ahmed-com/telemetry-agent"
)

// ErrReportNotReady is returned while the diagnostic service still analyses an upload
var ErrReportNotReady = errors.New("diagnostics report not ready")

const (
	uploadPath = "/qkview-analyzer/api/qkviews"
	reportPath = "/qkview-analyzer/api/qkviews/{id}/diagnostics"
)

// Upload is the acknowledgement of an uploaded qkview
type Upload struct {
	ID       string `json:"id"`
	Location string `json:"location,omitempty"`
}

// Diagnostic is one finding of the diagnostic service
type Diagnostic struct {
	Name       string   `json:"name"`
	Importance string   `json:"importance"`
	Title      string   `json:"title"`
	Summary    string   `json:"summary,omitempty"`
	Solutions  []string `json:"solutions,omitempty"`
}

// DiagnosticsReport is the analysis result for one qkview
type DiagnosticsReport struct {
	QkviewID          string            `json:"qkviewId"`
	Hostname          string            `json:"hostname,omitempty"`
	Version           string            `json:"version,omitempty"`
	Diagnostics       []Diagnostic      `json:"diagnostics"`
	SystemInformation map[string]string `json:"systemInformation,omitempty"`
}

// DiagnosticsClient talks to the remote diagnostic service
type DiagnosticsClient struct {
	client *resty.Client
}

// NewDiagnosticsClient creates a client for the service described by d
func NewDiagnosticsClient(d *telemetry.Diagnostics, opts ...Option) *DiagnosticsClient {
	client := newClient(d.URL, opts).SetBasicAuth(d.Username, d.Passphrase)
	if d.Proxy != "" {
		client.SetProxy(d.Proxy)
	}
	return &DiagnosticsClient{client: client}
}

// Upload sends the qkview at path for analysis
func (c *DiagnosticsClient) Upload(ctx context.Context, path string) (*Upload, error) {
	var upload Upload
	resp, err := c.client.R().
		SetContext(ctx).
		SetFile("qkview", path).
		SetFormData(map[string]string{"visible_in_gui": "false"}).
		SetResult(&upload).
		ForceContentType("application/json").
		Post(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", path, err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	if upload.ID == "" {
		return nil, fmt.Errorf("diagnostic service returned an upload without id")
	}
	return &upload, nil
}

// Report returns the analysis of an upload, or ErrReportNotReady while it is processed
func (c *DiagnosticsClient) Report(ctx context.Context, id string) (*DiagnosticsReport, error) {
	var report DiagnosticsReport
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&report).
		ForceContentType("application/json").
		Get(reportPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}
	if resp.StatusCode() == http.StatusAccepted {
		return nil, ErrReportNotReady
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	if report.QkviewID == "" {
		report.QkviewID = id
	}
	return &report, nil
}
