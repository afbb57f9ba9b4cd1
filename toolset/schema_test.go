package toolset

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
)

func registerSchemaTool(t *testing.T, ts *Toolset) {
	t.Helper()
	err := RegisterFunc(ts.Catalog(), "lookup", "Looks a record up", func(ctx context.Context, in searchInput) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	ts := testToolset(t, func(cfg *Config) {
		cfg.Host = "127.0.0.1"
		cfg.Port = 9001
	})
	registerSchemaTool(t, ts)

	w := doRequest(t, ts, http.MethodGet, "/schema/lookup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var doc struct {
		OpenAPI string `json:"openapi"`
		Info    struct {
			Title   string `json:"title"`
			Version string `json:"version"`
		} `json:"info"`
		Servers []struct {
			URL string `json:"url"`
		} `json:"servers"`
		Paths map[string]struct {
			Post struct {
				OperationID string `json:"operationId"`
				RequestBody struct {
					Required bool `json:"required"`
					Content  map[string]struct {
						Schema struct {
							Type     string   `json:"type"`
							Required []string `json:"required"`
						} `json:"schema"`
					} `json:"content"`
				} `json:"requestBody"`
			} `json:"post"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if doc.OpenAPI != "3.1.0" {
		t.Fatalf("openapi = %q, want 3.1.0", doc.OpenAPI)
	}
	if doc.Info.Title != "Schema for lookup" {
		t.Fatalf("title = %q", doc.Info.Title)
	}
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "http://127.0.0.1:9001" {
		t.Fatalf("servers = %+v", doc.Servers)
	}

	path, ok := doc.Paths["/lookup"]
	if !ok {
		t.Fatalf("paths = %v, want /lookup", doc.Paths)
	}
	if path.Post.OperationID != "lookup" {
		t.Fatalf("operationId = %q", path.Post.OperationID)
	}
	media, ok := path.Post.RequestBody.Content["application/json"]
	if !ok {
		t.Fatalf("request body content = %v", path.Post.RequestBody.Content)
	}
	if media.Schema.Type != "object" {
		t.Fatalf("schema type = %q", media.Schema.Type)
	}
	if len(media.Schema.Required) != 1 || media.Schema.Required[0] != "query" {
		t.Fatalf("schema required = %v", media.Schema.Required)
	}
}

func TestSchemaUnknownTool(t *testing.T) {
	ts := testToolset(t, nil)

	w := doRequest(t, ts, http.MethodGet, "/schema/nothere", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSchemaServerURLOverrides(t *testing.T) {
	ts := testToolset(t, func(cfg *Config) {
		cfg.Host = "0.0.0.0"
		cfg.Port = 8000
	})

	t.Setenv("TOOL_URL", "")
	t.Setenv("RAILWAY_PUBLIC_DOMAIN", "")
	if got := ts.serverURL(); got != "http://0.0.0.0:8000" {
		t.Fatalf("default url = %q", got)
	}

	t.Setenv("RAILWAY_PUBLIC_DOMAIN", "tools.up.railway.app")
	if got := ts.serverURL(); got != "https://tools.up.railway.app" {
		t.Fatalf("railway url = %q", got)
	}

	// TOOL_URL wins over the platform domain.
	t.Setenv("TOOL_URL", "https://tools.example.com")
	if got := ts.serverURL(); got != "https://tools.example.com" {
		t.Fatalf("tool url = %q", got)
	}
}
