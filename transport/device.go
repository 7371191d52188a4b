package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"

	telemetry "github.com/ahmed-com/telemetry-agent"
)

// Qkview task states reported by the device
const (
	QkviewInProgress = "IN_PROGRESS"
	QkviewSucceeded  = "SUCCEEDED"
	QkviewFailed     = "FAILED"
)

const (
	qkviewPath         = "/mgmt/cm/autodeploy/qkview"
	qkviewDownloadPath = "/mgmt/cm/autodeploy/qkview-download/{name}"
	deviceInfoPath     = "/mgmt/shared/identified-devices/config/device-info"
)

// QkviewTask is a diagnostic snapshot generation task on the device
type QkviewTask struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	URI    string `json:"qkviewUri,omitempty"`
	Error  string `json:"errorMessage,omitempty"`
}

// DeviceInfo identifies the managed device
type DeviceInfo struct {
	Hostname     string `json:"hostname"`
	MachineID    string `json:"machineId"`
	Version      string `json:"version"`
	Build        string `json:"build"`
	Platform     string `json:"platform"`
	ChassisID    string `json:"chassisSerialNumber"`
	ProductName  string `json:"product"`
	BaseMac      string `json:"baseMac"`
	ManagementIP string `json:"managementAddress"`
}

// DeviceClient talks to the management API of the device
type DeviceClient struct {
	client *resty.Client
}

// NewDeviceClient creates a client for target using basic authentication
func NewDeviceClient(target *telemetry.Target, opts ...Option) *DeviceClient {
	client := newClient(target.BaseURL(), opts).
		SetBasicAuth(target.Username, target.Passphrase).
		SetTLSClientConfig(insecureTLS(target.AllowSelfSignedCert))
	return &DeviceClient{client: client}
}

// CreateQkview starts generating a qkview with the given name
func (c *DeviceClient) CreateQkview(ctx context.Context, name string) (*QkviewTask, error) {
	var task QkviewTask
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		SetResult(&task).
		ForceContentType("application/json").
		Post(qkviewPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create qkview: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, fmt.Errorf("device returned a qkview task without id")
	}
	return &task, nil
}

// GetQkview returns the current state of a qkview task
func (c *DeviceClient) GetQkview(ctx context.Context, id string) (*QkviewTask, error) {
	var task QkviewTask
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&task).
		ForceContentType("application/json").
		Get(qkviewPath + "/{id}")
	if err != nil {
		return nil, fmt.Errorf("failed to get qkview %s: %w", id, err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return &task, nil
}

// DownloadQkview writes the generated qkview to dest
func (c *DeviceClient) DownloadQkview(ctx context.Context, name, dest string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetOutput(dest).
		Get(qkviewDownloadPath)
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("failed to download qkview %s: %w", name, err)
	}
	if err := classifyResponse(resp); err != nil {
		_ = os.Remove(dest)
		return err
	}
	return nil
}

// DeleteQkview removes a qkview task and its file from the device
func (c *DeviceClient) DeleteQkview(ctx context.Context, id string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Delete(qkviewPath + "/{id}")
	if err != nil {
		return fmt.Errorf("failed to delete qkview %s: %w", id, err)
	}
	return classifyResponse(resp)
}

// DeviceInfo returns the identity of the device
func (c *DeviceClient) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	var info DeviceInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&info).
		ForceContentType("application/json").
		Get(deviceInfoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats fetches one statistics endpoint as a generic JSON document
func (c *DeviceClient) Stats(ctx context.Context, path string) (map[string]any, error) {
	var doc map[string]any
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&doc).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return doc, nil
}
