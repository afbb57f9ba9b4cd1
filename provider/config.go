package provider

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// TransportKind selects how a session reaches its provider.
type TransportKind string

const (
	// TransportHTTP providers are reached over request/response HTTP.
	TransportHTTP TransportKind = "http"
	// TransportStdio providers run as a spawned subprocess.
	TransportStdio TransportKind = "stdio"
)

// identifierLen is the number of hex characters kept from the canonical
// configuration digest.
const identifierLen = 8

// ServerConfig describes one provider endpoint inside a configuration.
// HTTP entries use URL and Headers; stdio entries use URL or Command plus
// Env and Args.
type ServerConfig struct {
	Type    string            `json:"type"`
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Env     map[string]string `json:"envs,omitempty"`
	Args    []string          `json:"args,omitempty"`
}

// Kind returns the transport kind declared by the entry.
func (s ServerConfig) Kind() TransportKind {
	return TransportKind(strings.ToLower(strings.TrimSpace(s.Type)))
}

func (s ServerConfig) validate() error {
	switch s.Kind() {
	case TransportHTTP:
		if strings.TrimSpace(s.URL) == "" {
			return newError(ErrorKindInvalidConfig, "http server entry requires a url", nil)
		}
	case TransportStdio:
		if strings.TrimSpace(s.URL) == "" && strings.TrimSpace(s.Command) == "" {
			return newError(ErrorKindInvalidConfig, "stdio server entry requires a url or command", nil)
		}
	default:
		return newError(ErrorKindInvalidConfig, fmt.Sprintf("unsupported server type %q", s.Type), nil)
	}
	return nil
}

// ServerEntry pairs a server name with its configuration, preserving the
// order entries were declared in.
type ServerEntry struct {
	Name   string
	Server ServerConfig
}

// Config is a normalized provider configuration. The identifier is derived
// from the canonical form of the whole document, so configurations that
// differ anywhere, including in entries beyond the first, get distinct
// identifiers.
type Config struct {
	entries   []ServerEntry
	canonical []byte
	hash      string
}

// ParseConfig normalizes a raw configuration document. Only the first
// declared server entry is honored for connections; the rest still
// participate in the identifier.
func ParseConfig(data []byte) (*Config, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, newError(ErrorKindInvalidConfig, "configuration is not valid JSON", err)
	}
	rawServers, ok := doc["servers"].(map[string]any)
	if !ok {
		return nil, newError(ErrorKindInvalidConfig, "configuration has no servers object", nil)
	}
	if len(rawServers) == 0 {
		return nil, newError(ErrorKindInvalidConfig, "configuration declares no servers", nil)
	}

	names, err := orderedServerNames(data)
	if err != nil {
		return nil, newError(ErrorKindInvalidConfig, "configuration servers object is malformed", err)
	}

	entries := make([]ServerEntry, 0, len(names))
	for i, name := range names {
		server, err := decodeServerEntry(rawServers[name])
		if err != nil {
			// Entries beyond the first are never dialed; tolerate
			// shapes we cannot decode so they only affect the hash.
			if i == 0 {
				return nil, newError(ErrorKindInvalidConfig, fmt.Sprintf("server %q is malformed", name), err)
			}
			server = ServerConfig{}
		}
		entries = append(entries, ServerEntry{Name: name, Server: server})
	}
	if err := entries[0].Server.validate(); err != nil {
		return nil, err
	}

	return finishConfig(entries, doc)
}

// NewConfig builds a single-server configuration programmatically, e.g.
// from a config file entry. The identifier matches what ParseConfig would
// derive for the equivalent JSON document.
func NewConfig(name string, server ServerConfig) (*Config, error) {
	if strings.TrimSpace(name) == "" {
		return nil, newError(ErrorKindInvalidConfig, "server name is empty", nil)
	}
	if err := server.validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(map[string]any{
		"servers": map[string]any{name: server},
	})
	if err != nil {
		return nil, newError(ErrorKindInvalidConfig, "encode configuration", err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, newError(ErrorKindInvalidConfig, "normalize configuration", err)
	}
	entries := []ServerEntry{{Name: name, Server: server}}
	return finishConfig(entries, doc)
}

func finishConfig(entries []ServerEntry, doc map[string]any) (*Config, error) {
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, newError(ErrorKindInvalidConfig, "canonicalize configuration", err)
	}
	digest := sha256.Sum256(canonical)
	return &Config{
		entries:   entries,
		canonical: canonical,
		hash:      hex.EncodeToString(digest[:])[:identifierLen],
	}, nil
}

// Hash returns the short deterministic identifier for this configuration.
func (c *Config) Hash() string {
	return c.hash
}

// Canonical returns the canonical JSON form the identifier was derived
// from. The bytes are stable across Parse/NewConfig round trips.
func (c *Config) Canonical() []byte {
	out := make([]byte, len(c.canonical))
	copy(out, c.canonical)
	return out
}

// First returns the server entry connections are made to.
func (c *Config) First() ServerEntry {
	return c.entries[0]
}

// Entries returns all declared entries in declaration order.
func (c *Config) Entries() []ServerEntry {
	out := make([]ServerEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// decodeDocument parses data into a map, keeping numbers in their original
// textual form so canonicalization does not reformat them.
func decodeDocument(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after configuration object")
	}
	return doc, nil
}

func decodeServerEntry(value any) (ServerConfig, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return ServerConfig{}, err
	}
	var server ServerConfig
	if err := json.Unmarshal(raw, &server); err != nil {
		return ServerConfig{}, err
	}
	return server, nil
}

// orderedServerNames walks the raw document tokens to recover the order
// server entries were declared in, which Go's map decoding discards.
func orderedServerNames(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("configuration is not an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "servers" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '{' {
			return nil, fmt.Errorf("servers is not an object")
		}
		var names []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, ok := nameTok.(string)
			if !ok {
				return nil, fmt.Errorf("server name is not a string")
			}
			names = append(names, name)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
		return names, nil
	}
	return nil, fmt.Errorf("servers object not found")
}

// resolveStdioCommand expands a stdio entry into an executable command
// line. Package references use the conventional runners: npm-style refs
// run under npx, uv refs under uvx, anything else is split on whitespace.
func resolveStdioCommand(server ServerConfig) (string, []string, error) {
	extra := server.Args

	if cmd := strings.TrimSpace(server.Command); cmd != "" {
		fields := strings.Fields(cmd)
		return fields[0], append(fields[1:], extra...), nil
	}

	ref := strings.TrimSpace(server.URL)
	switch {
	case ref == "":
		return "", nil, newError(ErrorKindInvalidConfig, "stdio server entry requires a url or command", nil)
	case strings.HasPrefix(ref, "@") || strings.HasPrefix(ref, "npm:"):
		return "npx", append([]string{"-y", ref}, extra...), nil
	case strings.HasPrefix(ref, "uv:"):
		return "uvx", append([]string{strings.TrimPrefix(ref, "uv:")}, extra...), nil
	default:
		fields := strings.Fields(ref)
		return fields[0], append(fields[1:], extra...), nil
	}
}
