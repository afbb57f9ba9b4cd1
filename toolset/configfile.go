package toolset

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mantleworks/toolgate/provider"
)

// FileServer is one server declared in a YAML config file, wrapped as
// its own single-server provider configuration.
type FileServer struct {
	Name   string
	Config *provider.Config
}

// fileServerSpec mirrors one server block of the YAML file.
type fileServerSpec struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Headers map[string]string `yaml:"headers"`
	Envs    map[string]string `yaml:"envs"`
}

// LoadConfigFile reads a YAML file of the shape
//
//	servers:
//	  <name>: {type, url|command, args, headers|envs}
//
// and returns one provider configuration per declared server,
// in declaration order.
func LoadConfigFile(path string) ([]FileServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolset: read config file: %w", err)
	}
	return parseConfigFile(data)
}

func parseConfigFile(data []byte) ([]FileServer, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("toolset: parse config file: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("toolset: config file is empty")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("toolset: config file root must be a mapping")
	}

	var serversNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "servers" {
			serversNode = root.Content[i+1]
			break
		}
	}
	if serversNode == nil {
		return nil, fmt.Errorf("toolset: config file has no servers section")
	}
	if serversNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("toolset: servers section must be a mapping")
	}

	var servers []FileServer
	for i := 0; i+1 < len(serversNode.Content); i += 2 {
		name := serversNode.Content[i].Value
		var spec fileServerSpec
		if err := serversNode.Content[i+1].Decode(&spec); err != nil {
			return nil, fmt.Errorf("toolset: server %q: %w", name, err)
		}

		config, err := provider.NewConfig(name, provider.ServerConfig{
			Type:    spec.Type,
			URL:     spec.URL,
			Command: spec.Command,
			Args:    spec.Args,
			Headers: spec.Headers,
			Env:     spec.Envs,
		})
		if err != nil {
			return nil, fmt.Errorf("toolset: server %q: %w", name, err)
		}
		servers = append(servers, FileServer{Name: name, Config: config})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("toolset: servers section is empty")
	}
	return servers, nil
}

// SyncResult reports what a config file sync changed.
type SyncResult struct {
	Added  []string
	Cached []string
	Failed []string
	Closed []string
}

// SyncConfig reconciles the file-managed providers with the declared
// servers: new entries are connected, entries removed from the file are
// closed. Providers added over HTTP are never touched.
func (t *Toolset) SyncConfig(ctx context.Context, servers []FileServer) SyncResult {
	var result SyncResult

	desired := make(map[string]struct{}, len(servers))
	for _, server := range servers {
		identifier := server.Config.Hash()
		desired[identifier] = struct{}{}

		added := t.Add(ctx, server.Config)
		switch added.Status {
		case provider.StatusSuccess:
			result.Added = append(result.Added, server.Name)
			t.logger.Info("config file provider connected",
				"server", server.Name,
				"identifier", identifier,
				"tools", len(added.Tools),
			)
		case provider.StatusCached:
			result.Cached = append(result.Cached, server.Name)
		default:
			result.Failed = append(result.Failed, server.Name)
			t.logger.Warn("config file provider failed",
				"server", server.Name,
				"identifier", identifier,
				"message", added.Message,
			)
		}
	}

	t.fileMu.Lock()
	var removed []string
	for identifier := range t.fileManaged {
		if _, ok := desired[identifier]; !ok {
			removed = append(removed, identifier)
		}
	}
	t.fileManaged = make(map[string]struct{}, len(desired))
	for identifier := range desired {
		t.fileManaged[identifier] = struct{}{}
	}
	t.fileMu.Unlock()

	for _, identifier := range removed {
		closed := t.Close(ctx, identifier)
		if closed.Closed {
			result.Closed = append(result.Closed, identifier)
			t.logger.Info("config file provider removed", "identifier", identifier)
		}
	}

	return result
}
