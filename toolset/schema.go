package toolset

import (
	"fmt"
	"net/http"
	"os"

	"github.com/google/jsonschema-go/jsonschema"
)

// openAPIDocument is the minimal OpenAPI 3.1 document served by
// GET /schema/{tool}: one path, one POST operation.
type openAPIDocument struct {
	OpenAPI string                     `json:"openapi"`
	Info    openAPIInfo                `json:"info"`
	Servers []openAPIServer            `json:"servers"`
	Paths   map[string]openAPIPathItem `json:"paths"`
}

type openAPIInfo struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type openAPIServer struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type openAPIPathItem struct {
	Post *openAPIOperation `json:"post,omitempty"`
}

type openAPIOperation struct {
	Summary     string                     `json:"summary,omitempty"`
	Description string                     `json:"description,omitempty"`
	OperationID string                     `json:"operationId"`
	RequestBody *openAPIRequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]openAPIResponse `json:"responses"`
}

type openAPIRequestBody struct {
	Required bool                        `json:"required"`
	Content  map[string]openAPIMediaType `json:"content"`
}

type openAPIMediaType struct {
	Schema *jsonschema.Schema `json:"schema,omitempty"`
}

type openAPIResponse struct {
	Description string `json:"description"`
}

// serverURL is the base URL advertised in generated schemas. Deploy
// platforms override the local address through TOOL_URL or
// RAILWAY_PUBLIC_DOMAIN; both are read per request so changes take
// effect without a restart.
func (t *Toolset) serverURL() string {
	if url := os.Getenv("TOOL_URL"); url != "" {
		return url
	}
	if domain := os.Getenv("RAILWAY_PUBLIC_DOMAIN"); domain != "" {
		return "https://" + domain
	}
	return fmt.Sprintf("http://%s:%d", t.host, t.port)
}

func (t *Toolset) schemaDocument(entry Entry) openAPIDocument {
	var requestBody *openAPIRequestBody
	if entry.Schema != nil {
		requestBody = &openAPIRequestBody{
			Required: true,
			Content: map[string]openAPIMediaType{
				"application/json": {Schema: entry.Schema},
			},
		}
	}

	return openAPIDocument{
		OpenAPI: "3.1.0",
		Info: openAPIInfo{
			Title:       fmt.Sprintf("Schema for %s", entry.Name),
			Version:     t.version,
			Description: entry.Description,
		},
		Servers: []openAPIServer{
			{URL: t.serverURL(), Description: "Current server address"},
		},
		Paths: map[string]openAPIPathItem{
			"/" + entry.Name: {
				Post: &openAPIOperation{
					Summary:     fmt.Sprintf("Invoke %s", entry.Name),
					Description: entry.Description,
					OperationID: entry.Name,
					RequestBody: requestBody,
					Responses: map[string]openAPIResponse{
						"200": {Description: "Successful Response"},
					},
				},
			},
		},
	}
}

func (t *Toolset) handleSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tool")
	entry, ok := t.catalog.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "UNKNOWN_TOOL", fmt.Sprintf("no tool named %q is registered", name), nil)
		return
	}
	writeJSON(w, http.StatusOK, t.schemaDocument(entry))
}
