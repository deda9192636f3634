package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/concordhq/agentcore/tools"
	"github.com/concordhq/agentcore/types"
)

func newBridgeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{
					"name":        "lookup",
					"description": "Look up a record.",
					"input_schema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id": map[string]any{"type": "string"},
						},
						"required": []string{"id"},
					},
				},
			},
		})
	})
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"result": "record for " + req.Name})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	body := `{"servers":[{"name":"crm","transport":"http","url":"http://localhost:9000","enabled":true}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "crm" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestDiscoverRegistersPrefixedTools(t *testing.T) {
	srv := newBridgeServer(t)
	reg := tools.NewRegistry()

	n := Discover(context.Background(), Config{Servers: []Server{
		{Name: "crm", Transport: "http", URL: srv.URL, Enabled: true},
		{Name: "dark", Transport: "http", URL: srv.URL, Enabled: false},
	}}, reg, nil)
	if n != 1 {
		t.Fatalf("expected 1 tool registered, got %d", n)
	}

	out, err := reg.Dispatch(context.Background(), types.ToolCall{
		Name:      "crm_lookup",
		Arguments: json.RawMessage(`{"id":"42"}`),
	}, "user")
	if err != nil {
		t.Fatalf("dispatch bridge tool: %v", err)
	}
	if out != "record for lookup" {
		t.Fatalf("unexpected result %q", out)
	}
}

func TestDiscoverSkipsUnreachableServer(t *testing.T) {
	srv := newBridgeServer(t)
	reg := tools.NewRegistry()

	n := Discover(context.Background(), Config{Servers: []Server{
		{Name: "down", Transport: "http", URL: "http://127.0.0.1:1", Enabled: true},
		{Name: "crm", Transport: "http", URL: srv.URL, Enabled: true},
	}}, reg, nil)
	if n != 1 {
		t.Fatalf("healthy server should still register, got %d", n)
	}
}

func TestDiscoverReplacesStaleCatalog(t *testing.T) {
	srv := newBridgeServer(t)
	reg := tools.NewRegistry()
	cfg := Config{Servers: []Server{{Name: "crm", URL: srv.URL, Enabled: true}}}

	Discover(context.Background(), cfg, reg, nil)
	Discover(context.Background(), cfg, reg, nil)

	count := 0
	for _, name := range reg.Names() {
		if name == "crm_lookup" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("refresh duplicated tools: %v", reg.Names())
	}
}

func TestDialRejectsUnknownTransport(t *testing.T) {
	if _, err := Dial(Server{Name: "x", Transport: "carrier_pigeon", URL: "http://x"}); err == nil {
		t.Fatal("expected transport error")
	}
}
