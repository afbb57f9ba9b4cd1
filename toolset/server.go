package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/mantleworks/toolgate/blob"
	"github.com/mantleworks/toolgate/provider"
	"github.com/mantleworks/toolgate/store"
)

const (
	defaultTitle           = "Toolgate"
	defaultVersion         = "0.1.0"
	defaultHost            = "0.0.0.0"
	defaultPort            = 8000
	defaultMaxBody         = 1 << 20
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Config configures a Toolset.
type Config struct {
	// Title and Version identify the service in the root document and in
	// generated schemas.
	Title   string
	Version string
	// Host and Port form the serve address, also used when advertising
	// server URLs in schemas.
	Host string
	Port int
	// CORSOrigin sets Access-Control-Allow-Origin. Defaults to "*".
	CORSOrigin string
	// MaxBody caps request body size in bytes. Defaults to 1 MiB.
	MaxBody int64
	// ReadTimeout and WriteTimeout bound a single request. Defaults 30s
	// and 60s; the write timeout leaves room for slow provider tools.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Logger receives server events. Defaults to slog.Default.
	Logger *slog.Logger
	// Registry manages provider sessions. A default one is created when
	// nil.
	Registry *provider.Registry
	// IdleThreshold is how long a provider session may go unused before
	// the reaper claims it. Only applied when Registry is nil.
	IdleThreshold time.Duration
	// ReapInterval is how often idle provider sessions are swept.
	ReapInterval time.Duration
	// Store persists provider configurations and invocation audit rows.
	// Optional; nil keeps everything in memory.
	Store store.Store
	// Uploader enables POST /upload when set.
	Uploader *blob.Uploader
	// EnableInterpreter mounts POST /interpreter. Off by default.
	EnableInterpreter bool
	// InterpreterCommand runs submitted code. Defaults to python3.
	InterpreterCommand []string
	// InterpreterTimeout bounds one code execution. Defaults to 30
	// seconds.
	InterpreterTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown. Defaults to 30 seconds.
	ShutdownTimeout time.Duration
}

// Toolset ties the tool catalog, the provider registry and the HTTP
// surface together.
type Toolset struct {
	title        string
	version      string
	host         string
	port         int
	corsOrigin   string
	maxBody      int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	catalog  *Catalog
	registry *provider.Registry
	reaper   *provider.Reaper
	store    store.Store
	uploader *blob.Uploader
	interp   *interpreter

	shutdownTimeout time.Duration

	fileMu      sync.Mutex
	fileManaged map[string]struct{}
}

// New builds a Toolset from cfg.
func New(cfg Config) (*Toolset, error) {
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	registry := cfg.Registry
	if registry == nil {
		registry = provider.NewRegistry(provider.RegistryOptions{
			Logger:        cfg.Logger,
			IdleThreshold: cfg.IdleThreshold,
		})
	}

	t := &Toolset{
		title:           cfg.Title,
		version:         cfg.Version,
		host:            cfg.Host,
		port:            cfg.Port,
		corsOrigin:      cfg.CORSOrigin,
		maxBody:         cfg.MaxBody,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		logger:          cfg.Logger.With("component", "toolset"),
		catalog:         NewCatalog(),
		registry:        registry,
		store:           cfg.Store,
		uploader:        cfg.Uploader,
		shutdownTimeout: cfg.ShutdownTimeout,
		fileManaged:     make(map[string]struct{}),
	}

	reaper, err := provider.NewReaper(provider.ReaperConfig{
		Registry: registry,
		Interval: cfg.ReapInterval,
		Logger:   cfg.Logger,
		OnReap:   t.handleReap,
	})
	if err != nil {
		return nil, fmt.Errorf("toolset: %w", err)
	}
	t.reaper = reaper

	if cfg.EnableInterpreter {
		t.interp = newInterpreter(interpreterConfig{
			Command: cfg.InterpreterCommand,
			Timeout: cfg.InterpreterTimeout,
			Logger:  cfg.Logger,
		})
	}

	return t, nil
}

// Catalog returns the tool catalog for direct registration.
func (t *Toolset) Catalog() *Catalog {
	return t.catalog
}

// Registry returns the provider registry.
func (t *Toolset) Registry() *provider.Registry {
	return t.registry
}

// Add connects a provider and registers its capabilities as catalog
// tools. Identical configurations reuse the live session.
func (t *Toolset) Add(ctx context.Context, config *provider.Config) *provider.AddResult {
	result := t.registry.Add(ctx, config)
	switch result.Status {
	case provider.StatusSuccess:
		t.registerProviderTools(result)
		t.persistProvider(ctx, config)
	case provider.StatusCached:
		t.registerProviderTools(result)
	}
	return result
}

// Close shuts a provider session down and removes its catalog entries
// and persisted configuration.
func (t *Toolset) Close(ctx context.Context, identifier string) provider.CloseResult {
	result := t.registry.Close(ctx, identifier)
	if result.Closed {
		t.catalog.DeregisterProvider(identifier)
		t.forgetProvider(ctx, identifier)
	}
	return result
}

// handleReap runs after the reaper closed an idle session. The persisted
// configuration is kept so a restart brings the provider back.
func (t *Toolset) handleReap(snapshot provider.Snapshot) {
	removed := t.catalog.DeregisterProvider(snapshot.Identifier)
	if len(removed) > 0 {
		t.logger.Info("deregistered idle provider tools",
			"identifier", snapshot.Identifier,
			"tools", len(removed),
		)
	}
}

func (t *Toolset) registerProviderTools(result *provider.AddResult) {
	t.catalog.DeregisterProvider(result.Identifier)

	names := make([]string, 0, len(result.Tools))
	for name := range result.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		descriptor := result.Tools[name]
		entry := Entry{
			Name:        result.Identifier + "_" + name,
			Kind:        KindProvider,
			Description: descriptor.Description,
			Schema:      descriptor.Schema(),
			Identifier:  result.Identifier,
			Capability:  name,
			Invoke:      t.providerInvoke(result.Identifier, name, descriptor),
		}
		if err := t.catalog.Register(entry); err != nil {
			t.logger.Warn("skipping provider tool", "tool", entry.Name, "error", err)
		}
	}
}

func (t *Toolset) providerInvoke(identifier, capability string, descriptor provider.Descriptor) InvokeFunc {
	return func(ctx context.Context, arguments json.RawMessage) (any, error) {
		var args map[string]any
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return nil, &provider.Error{
					Kind:    provider.ErrorKindInvalidArguments,
					Message: fmt.Sprintf("arguments must be a JSON object: %v", err),
				}
			}
		}
		if err := descriptor.CheckArguments(args); err != nil {
			return nil, err
		}
		return t.registry.Invoke(ctx, identifier, capability, args)
	}
}

func (t *Toolset) persistProvider(ctx context.Context, config *provider.Config) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveProvider(ctx, config.Hash(), config.Canonical()); err != nil {
		t.logger.Warn("failed to persist provider config",
			"identifier", config.Hash(),
			"error", err,
		)
	}
}

func (t *Toolset) forgetProvider(ctx context.Context, identifier string) {
	if t.store == nil {
		return
	}
	if err := t.store.DeleteProvider(ctx, identifier); err != nil {
		t.logger.Warn("failed to delete persisted provider config",
			"identifier", identifier,
			"error", err,
		)
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (t *Toolset) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", t.handleRoot)
	mux.HandleFunc("GET /tools", t.handleListTools)
	mux.HandleFunc("POST /addMCP", t.handleAddProvider)
	mux.HandleFunc("POST /health", t.handleHealth)
	mux.HandleFunc("POST /close", t.handleClose)
	mux.HandleFunc("GET /schema/{tool}", t.handleSchema)
	if t.interp != nil {
		mux.HandleFunc("POST /interpreter", t.handleInterpreter)
	}
	if t.uploader != nil {
		mux.HandleFunc("POST /upload", t.handleUpload)
	}
	mux.HandleFunc("POST /{tool}", t.handleInvoke)

	var handler http.Handler = mux
	handler = t.corsMiddleware(handler)
	handler = t.maxBodyMiddleware(handler)
	handler = t.logMiddleware(handler)
	handler = gzhttp.GzipHandler(handler)

	return handler
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully and closes every provider session.
func (t *Toolset) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	server := &http.Server{
		Addr:         addr,
		Handler:      t.Handler(),
		ReadTimeout:  t.readTimeout,
		WriteTimeout: t.writeTimeout,
	}

	if err := t.reaper.Start(ctx); err != nil {
		return fmt.Errorf("toolset: start reaper: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	t.logger.Info("toolset listening", "addr", addr, "tools", t.catalog.Len())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("toolset: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if stopErr := t.reaper.Stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	t.registry.CloseAll(shutdownCtx)
	if err != nil {
		return fmt.Errorf("toolset: shutdown: %w", err)
	}
	return nil
}

// --- Handlers ---

func (t *Toolset) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    t.title,
		"version": t.version,
		"tools":   t.catalog.Len(),
	})
}

type toolSummary struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description,omitempty"`
}

func (t *Toolset) handleListTools(w http.ResponseWriter, r *http.Request) {
	entries := t.catalog.All()
	summaries := make([]toolSummary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, toolSummary{
			Name:        entry.Name,
			Kind:        entry.Kind,
			Description: entry.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": summaries})
}

func (t *Toolset) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error(), nil)
		return
	}

	config, err := provider.ParseConfig(body)
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Add(r.Context(), config))
}

// identifierRequest is the body shape of /health and /close.
type identifierRequest struct {
	ConfigHash string `json:"config_hash"`
}

func (t *Toolset) handleHealth(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if err := decodeJSONBody(r, &req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, t.registry.Health(req.ConfigHash))
}

func (t *Toolset) handleClose(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if err := decodeJSONBody(r, &req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, t.Close(r.Context(), req.ConfigHash))
}

func (t *Toolset) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tool")
	entry, ok := t.catalog.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "UNKNOWN_TOOL", fmt.Sprintf("no tool named %q is registered", name), nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error(), nil)
		return
	}

	result, err := entry.Invoke(r.Context(), body)
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
