package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// configJSON is the wire shape of the operating configuration.
type configJSON struct {
	TestMode  bool   `json:"test_mode" yaml:"test_mode"`
	DataLabel string `json:"data_label" yaml:"data_label"`
}

func (c configJSON) toConfiguration() logic.Configuration {
	return logic.Configuration{TestMode: c.TestMode, DataLabel: c.DataLabel}
}

// ParseJSON decodes an operating configuration document.
func ParseJSON(data []byte) (logic.Configuration, error) {
	var c configJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return logic.Configuration{}, fmt.Errorf("parse config: %w", err)
	}
	return c.toConfiguration(), nil
}

// AgentSource pulls configuration from the ioFog agent's local API.
type AgentSource struct {
	url        string
	id         string
	httpClient *http.Client
}

// NewAgentSource creates a source for the agent at baseURL, fetching the
// configuration of microservice id.
func NewAgentSource(baseURL, id string, timeout time.Duration) *AgentSource {
	return &AgentSource{
		url:        strings.TrimSuffix(baseURL, "/") + "/v2/config/get",
		id:         id,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// agentResponse is the agent reply; config is itself a JSON document.
type agentResponse struct {
	Config string `json:"config"`
}

// Fetch implements Source.
func (a *AgentSource) Fetch(ctx context.Context) (logic.Configuration, error) {
	reqBody, err := json.Marshal(map[string]string{"id": a.id})
	if err != nil {
		return logic.Configuration{}, fmt.Errorf("encode config request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(reqBody))
	if err != nil {
		return logic.Configuration{}, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return logic.Configuration{}, fmt.Errorf("config request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return logic.Configuration{}, fmt.Errorf("read config response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return logic.Configuration{}, fmt.Errorf("config request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var ar agentResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return logic.Configuration{}, fmt.Errorf("parse agent response: %w", err)
	}
	if ar.Config == "" {
		return logic.Configuration{}, fmt.Errorf("agent returned empty config")
	}
	return ParseJSON([]byte(ar.Config))
}

// FileSource reads configuration from a YAML (or JSON) file.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch implements Source. The file is re-read on every call.
func (f *FileSource) Fetch(ctx context.Context) (logic.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return logic.Configuration{}, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return logic.Configuration{}, fmt.Errorf("read config file: %w", err)
	}
	var c configJSON
	if err := yaml.Unmarshal(data, &c); err != nil {
		return logic.Configuration{}, fmt.Errorf("parse config file %s: %w", f.path, err)
	}
	return c.toConfiguration(), nil
}

var (
	_ Source = (*AgentSource)(nil)
	_ Source = (*FileSource)(nil)
)
