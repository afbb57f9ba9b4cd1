package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mantleworks/toolgate/provider"
)

func noopInvoke(ctx context.Context, arguments json.RawMessage) (any, error) {
	return nil, nil
}

func TestCatalogRegisterValidation(t *testing.T) {
	catalog := NewCatalog()

	tests := []struct {
		name    string
		entry   Entry
		wantErr string
	}{
		{
			name:    "empty name",
			entry:   Entry{Kind: KindFunction, Invoke: noopInvoke},
			wantErr: "name is required",
		},
		{
			name:    "slash in name",
			entry:   Entry{Name: "a/b", Kind: KindFunction, Invoke: noopInvoke},
			wantErr: "slashes",
		},
		{
			name:    "reserved name",
			entry:   Entry{Name: "addMCP", Kind: KindFunction, Invoke: noopInvoke},
			wantErr: "reserved",
		},
		{
			name:    "unknown kind",
			entry:   Entry{Name: "x", Kind: "magic", Invoke: noopInvoke},
			wantErr: "unknown kind",
		},
		{
			name:    "nil invoke",
			entry:   Entry{Name: "x", Kind: KindFunction},
			wantErr: "no invoke function",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := catalog.Register(tt.entry)
			if err == nil {
				t.Fatalf("Register accepted %+v", tt.entry)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	catalog := NewCatalog()
	entry := Entry{Name: "dup", Kind: KindFunction, Invoke: noopInvoke}

	if err := catalog.Register(entry); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := catalog.Register(entry)
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate Register error = %v", err)
	}
}

func TestCatalogDeregisterProvider(t *testing.T) {
	catalog := NewCatalog()

	entries := []Entry{
		{Name: "aa11aa11_read", Kind: KindProvider, Identifier: "aa11aa11", Invoke: noopInvoke},
		{Name: "aa11aa11_write", Kind: KindProvider, Identifier: "aa11aa11", Invoke: noopInvoke},
		{Name: "bb22bb22_read", Kind: KindProvider, Identifier: "bb22bb22", Invoke: noopInvoke},
		{Name: "local", Kind: KindFunction, Invoke: noopInvoke},
	}
	for _, entry := range entries {
		if err := catalog.Register(entry); err != nil {
			t.Fatalf("Register %s: %v", entry.Name, err)
		}
	}

	removed := catalog.DeregisterProvider("aa11aa11")
	if len(removed) != 2 || removed[0] != "aa11aa11_read" || removed[1] != "aa11aa11_write" {
		t.Fatalf("removed = %v", removed)
	}
	if catalog.Len() != 2 {
		t.Fatalf("len = %d, want 2", catalog.Len())
	}
	if _, ok := catalog.Get("bb22bb22_read"); !ok {
		t.Fatalf("other provider's entry was removed")
	}
	if _, ok := catalog.Get("local"); !ok {
		t.Fatalf("function entry was removed")
	}
	if again := catalog.DeregisterProvider("aa11aa11"); len(again) != 0 {
		t.Fatalf("second DeregisterProvider removed %v", again)
	}
}

func TestCatalogAllSorted(t *testing.T) {
	catalog := NewCatalog()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := catalog.Register(Entry{Name: name, Kind: KindFunction, Invoke: noopInvoke}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	all := catalog.All()
	want := []string{"alpha", "mid", "zeta"}
	for i, entry := range all {
		if entry.Name != want[i] {
			t.Fatalf("All()[%d] = %q, want %q", i, entry.Name, want[i])
		}
	}
}

type searchInput struct {
	Query    string   `json:"query" desc:"Search terms"`
	Limit    int      `json:"limit,omitempty"`
	Deep     *bool    `json:"deep"`
	Tags     []string `json:"tags,omitempty"`
	internal string
}

func TestRegisterFuncInfersSchema(t *testing.T) {
	catalog := NewCatalog()

	err := RegisterFunc(catalog, "search", "Searches things", func(ctx context.Context, in searchInput) (any, error) {
		return in.Query, nil
	})
	if err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}

	entry, ok := catalog.Get("search")
	if !ok {
		t.Fatalf("entry not registered")
	}
	if entry.Kind != KindFunction {
		t.Fatalf("kind = %q", entry.Kind)
	}
	schema := entry.Schema
	if schema == nil || schema.Type != "object" {
		t.Fatalf("schema = %+v", schema)
	}
	if len(schema.Properties) != 4 {
		t.Fatalf("got %d properties, want 4 (unexported fields skipped)", len(schema.Properties))
	}
	if schema.Properties["query"].Type != "string" {
		t.Fatalf("query type = %q", schema.Properties["query"].Type)
	}
	if schema.Properties["query"].Description != "Search terms" {
		t.Fatalf("query description = %q", schema.Properties["query"].Description)
	}
	if schema.Properties["limit"].Type != "integer" {
		t.Fatalf("limit type = %q", schema.Properties["limit"].Type)
	}
	if schema.Properties["tags"].Type != "array" || schema.Properties["tags"].Items.Type != "string" {
		t.Fatalf("tags schema = %+v", schema.Properties["tags"])
	}

	// Only non-pointer fields without omitempty are required.
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Fatalf("required = %v, want [query]", schema.Required)
	}
}

func TestRegisterFuncRejectsNonStruct(t *testing.T) {
	catalog := NewCatalog()
	err := RegisterFunc(catalog, "bad", "", func(ctx context.Context, in string) (any, error) {
		return in, nil
	})
	if err == nil || !strings.Contains(err.Error(), "not a struct") {
		t.Fatalf("error = %v", err)
	}
}

func TestRegisterFuncInvoke(t *testing.T) {
	catalog := NewCatalog()
	if err := RegisterFunc(catalog, "search", "", func(ctx context.Context, in searchInput) (any, error) {
		return map[string]any{"query": in.Query, "limit": in.Limit}, nil
	}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	entry, _ := catalog.Get("search")

	result, err := entry.Invoke(context.Background(), json.RawMessage(`{"query":"go","limit":3}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := result.(map[string]any)
	if got["query"] != "go" || got["limit"] != 3 {
		t.Fatalf("result = %v", got)
	}

	_, err = entry.Invoke(context.Background(), json.RawMessage(`{"limit":3}`))
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.ErrorKindInvalidArguments {
		t.Fatalf("missing required error = %v", err)
	}
	if !strings.Contains(perr.Message, "query") {
		t.Fatalf("message = %q, want mention of query", perr.Message)
	}

	_, err = entry.Invoke(context.Background(), json.RawMessage(`{"query":"go","limit":"three"}`))
	if !errors.As(err, &perr) || perr.Kind != provider.ErrorKindInvalidArguments {
		t.Fatalf("type mismatch error = %v", err)
	}
}
