// Package bridge discovers tools served by external processes and adapts
// them into the registry. A bridge file lists servers; each enabled server
// is queried for its tool catalog and every returned tool is registered
// under the server's name prefix.
package bridge

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

	"github.com/concordhq/agentcore/logging"
	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/types"
)

// Server describes one external tool provider.
type Server struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	URL       string `json:"url"`
	Enabled   bool   `json:"enabled"`
}

// Config is the on-disk bridge file.
type Config struct {
	Servers []Server `json:"servers"`
}

// LoadConfig reads the bridge file. A missing file yields an empty config;
// the bridge is optional.
func LoadConfig(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("failed to read bridge config %q: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse bridge config %q: %w", path, err)
	}
	return cfg, nil
}

// Bridge is a connection to one external tool server.
type Bridge interface {
	Name() string
	ListTools(ctx context.Context) ([]types.ToolDefinition, error)
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// HTTPBridge talks to a server over plain HTTP JSON: GET <url>/tools for the
// catalog, POST <url>/invoke for calls.
type HTTPBridge struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPBridge(name, url string) *HTTPBridge {
	return &HTTPBridge{
		name:   name,
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *HTTPBridge) Name() string { return b.name }

type catalogEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func (b *HTTPBridge) ListTools(ctx context.Context) ([]types.ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge %q catalog request failed: %w", b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge %q catalog returned status %d", b.name, resp.StatusCode)
	}
	var payload struct {
		Tools []catalogEntry `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("bridge %q catalog is not valid JSON: %w", b.name, err)
	}
	out := make([]types.ToolDefinition, 0, len(payload.Tools))
	for _, e := range payload.Tools {
		out = append(out, types.ToolDefinition{
			Name:        e.Name,
			Description: e.Description,
			JSONSchema:  e.InputSchema,
		})
	}
	return out, nil
}

func (b *HTTPBridge) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	body, err := json.Marshal(map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge %q invoke failed: %w", b.name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("bridge %q response unreadable: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge %q invoke returned status %d: %s", b.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var payload struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Result != "" {
		return payload.Result, nil
	}
	return string(raw), nil
}

// Dial opens a bridge for one configured server. Only the http transport is
// supported.
func Dial(s Server) (Bridge, error) {
	switch s.Transport {
	case "", "http":
		if strings.TrimSpace(s.URL) == "" {
			return nil, fmt.Errorf("bridge %q has no url", s.Name)
		}
		return NewHTTPBridge(s.Name, s.URL), nil
	default:
		return nil, fmt.Errorf("bridge %q uses unsupported transport %q", s.Name, s.Transport)
	}
}

// Discover connects every enabled server, fetches its catalog, and swaps the
// server's tools into the registry under a "<server>_" prefix. One failing
// server does not abort discovery of the rest.
func Discover(ctx context.Context, cfg Config, reg *tools.Registry, logger logging.Logger) int {
	if logger == nil {
		logger = logging.Noop{}
	}
	total := 0
	for _, s := range cfg.Servers {
		if !s.Enabled {
			logger.Debug("bridge_server_disabled", "server", s.Name)
			continue
		}
		b, err := Dial(s)
		if err != nil {
			logger.Warn("bridge_dial_failed", "server", s.Name, "error", err.Error())
			continue
		}
		n, err := discoverOne(ctx, b, reg)
		if err != nil {
			logger.Warn("bridge_discovery_failed", "server", s.Name, "error", err.Error())
			continue
		}
		logger.Info("bridge_tools_registered", "server", s.Name, "count", n)
		total += n
	}
	return total
}

func discoverOne(ctx context.Context, b Bridge, reg *tools.Registry) (int, error) {
	defs, err := b.ListTools(ctx)
	if err != nil {
		return 0, err
	}
	prefix := b.Name() + "_"
	adapted := make([]tools.Tool, 0, len(defs))
	for _, def := range defs {
		adapted = append(adapted, newBridgeTool(b, def, prefix))
	}
	reg.ReplacePrefix(prefix, adapted)
	return len(adapted), nil
}

func newBridgeTool(b Bridge, def types.ToolDefinition, prefix string) tools.Tool {
	remote := def.Name
	def.Name = prefix + def.Name
	return tools.NewFuncTool(def, func(ctx context.Context, args json.RawMessage) (string, error) {
		return b.Invoke(ctx, remote, args)
	})
}
