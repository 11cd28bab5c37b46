package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mbekkel/taskmill/internal/model"
)

// Compile-time interface satisfaction check.
var _ ControlClient = (*HTTPClient)(nil)

// HTTPClient talks to the control plane's HTTP API. It is the ControlClient
// used by the deploy CLI.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPClient creates a client against baseURL, e.g. http://localhost:8030.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, Client: http.DefaultClient}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ListEnvVars returns the variables registered for the environment.
func (c *HTTPClient) ListEnvVars(ctx context.Context, environment string) (map[string]string, error) {
	vars := make(map[string]string)
	path := "/v1/env-vars?env=" + url.QueryEscape(environment)
	if err := c.do(ctx, http.MethodGet, path, nil, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// InitializeDeployment creates a PENDING deployment on the control plane.
func (c *HTTPClient) InitializeDeployment(ctx context.Context, req InitializeRequest) (*model.Deployment, error) {
	d := &model.Deployment{}
	if err := c.do(ctx, http.MethodPost, "/v1/deployments", req, d); err != nil {
		return nil, err
	}
	return d, nil
}

// StartBuild marks the deployment BUILDING.
func (c *HTTPClient) StartBuild(ctx context.Context, deploymentID string) error {
	return c.do(ctx, http.MethodPost, "/v1/deployments/"+deploymentID+"/start-build", nil, nil)
}

// StartIndexing records the image and asks the coordinator to index it.
func (c *HTTPClient) StartIndexing(ctx context.Context, deploymentID, imageRef string) error {
	body := struct {
		ImageRef string `json:"imageRef"`
	}{ImageRef: imageRef}
	return c.do(ctx, http.MethodPost, "/v1/deployments/"+deploymentID+"/start-indexing", body, nil)
}

// FailDeployment finalizes the deployment as ERROR with a message.
func (c *HTTPClient) FailDeployment(ctx context.Context, deploymentID, message string) error {
	body := struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage,omitempty"`
	}{Status: model.DeployError, ErrorMessage: message}
	return c.do(ctx, http.MethodPost, "/v1/deployments/"+deploymentID+"/finalize", body, nil)
}

// GetDeployment reads the deployment's current state.
func (c *HTTPClient) GetDeployment(ctx context.Context, deploymentID string) (*model.Deployment, error) {
	d := &model.Deployment{}
	if err := c.do(ctx, http.MethodGet, "/v1/deployments/"+deploymentID, nil, d); err != nil {
		return nil, err
	}
	return d, nil
}
