package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ragtag/mcplink/instrumentation"
	"github.com/ragtag/mcplink/internal/util"
	"github.com/ragtag/mcplink/storage"
)

const (
	// DefaultServerName is the name embedded in the default tool prefix.
	DefaultServerName = "mcplink"

	// DefaultStartTimeout bounds launching a backend and discovering its tools.
	DefaultStartTimeout = 30 * time.Second

	// DefaultShutdownTimeout is how long Close waits before killing a child.
	DefaultShutdownTimeout = 2 * time.Second

	discoveryID = 1
)

// State is the lifecycle state of a backend.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateReady
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConfigSource supplies the backend definitions.
type ConfigSource interface {
	Backends(ctx context.Context) (map[string]storage.BackendConfig, error)
}

// DocumentSource reads the backends section of the credential document.
type DocumentSource struct {
	Store storage.Store
}

// Backends implements ConfigSource.
func (s DocumentSource) Backends(ctx context.Context) (map[string]storage.BackendConfig, error) {
	doc, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Backends()
}

// Options configures a Registry.
type Options struct {
	// ServerName is embedded in the default tool prefix.
	// Default: "mcplink"
	ServerName string

	// ToolPrefix replaces the default prefix "mcp_<ServerName>_local_".
	ToolPrefix string

	// CallTimeout bounds one tool call, including waiting for the backend.
	// Zero means calls are bounded only by their context.
	CallTimeout time.Duration

	// StartTimeout bounds discovery of one backend.
	// Default: 30s
	StartTimeout time.Duration

	// ShutdownTimeout is how long Close waits for a child to exit after its
	// stdin is closed.
	// Default: 2s
	ShutdownTimeout time.Duration

	// UnlockToken must accompany every unified-tool operation except readme.
	// Default: DefaultUnlockToken(ServerName)
	UnlockToken string

	// Instrumentation enables bridge metrics and traces (optional)
	Instrumentation *instrumentation.Instrumentation
}

func (o *Options) applyDefaults() {
	if o.ServerName == "" {
		o.ServerName = DefaultServerName
	}
	if o.ToolPrefix == "" {
		o.ToolPrefix = "mcp_" + o.ServerName + "_local_"
	}
	if o.UnlockToken == "" {
		o.UnlockToken = DefaultUnlockToken(o.ServerName)
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Tool is a discovered backend tool.
type Tool struct {
	// ExposedName is the name callers use: <prefix><server>_<name>.
	ExposedName string

	// Server is the backend the tool belongs to.
	Server string

	// Name is the tool's own name on the backend.
	Name string

	Description   string
	AIDescription string

	// Definition is the tool object exactly as the backend listed it.
	Definition json.RawMessage

	// InputSchema is the inputSchema member of Definition.
	InputSchema json.RawMessage

	resolved *jsonschema.Resolved
}

// Registry supervises one child process per enabled backend and routes tool
// calls to them. Backends are started on first use.
type Registry struct {
	source ConfigSource
	logger *slog.Logger
	opts   Options

	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	initMu      sync.Mutex
	initialized bool
	closed      bool

	// Written once during init, read-only afterwards
	backends map[string]*backend
	tools    map[string]*Tool
}

// NewRegistry creates a registry. No process is started until the first
// call that needs one.
func NewRegistry(source ConfigSource, logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	r := &Registry{
		source:   source,
		logger:   logger,
		opts:     opts,
		backends: make(map[string]*backend),
		tools:    make(map[string]*Tool),
	}
	if opts.Instrumentation != nil {
		r.tracer = opts.Instrumentation.Tracer("bridge")
		r.metrics = opts.Instrumentation.Metrics()
	}
	return r
}

// Init starts every enabled backend if that has not happened yet. Concurrent
// callers wait for the first one. A failed init leaves the registry empty.
func (r *Registry) Init(ctx context.Context) {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized || r.closed {
		return
	}
	r.initialized = true
	r.initialize(ctx)
}

func (r *Registry) initialize(ctx context.Context) {
	configs, err := r.source.Backends(ctx)
	if err != nil {
		r.logger.Error("Failed to read backend configuration", "error", err)
		return
	}

	names := make([]string, 0, len(configs))
	for name, cfg := range configs {
		if !cfg.Enabled {
			r.logger.Debug("Skipping disabled backend", "server", name)
			continue
		}
		if strings.TrimSpace(cfg.Command) == "" {
			r.logger.Warn("Skipping backend without command", "server", name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	// Start is independent of the caller's cancellation; children outlive it
	startCtx := context.WithoutCancel(ctx)

	discovered := make([][]*Tool, len(names))
	backends := make([]*backend, len(names))
	var g errgroup.Group
	for i, name := range names {
		b := r.newBackend(name, configs[name])
		backends[i] = b
		g.Go(func() error {
			tools, err := r.start(startCtx, b)
			if err != nil {
				b.logger.Error("Failed to start backend", "error", err)
				return nil
			}
			discovered[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	for i, b := range backends {
		r.backends[b.name] = b
		for _, t := range discovered[i] {
			if _, dup := r.tools[t.ExposedName]; dup {
				b.logger.Warn("Skipping duplicate tool", "tool", t.ExposedName)
				continue
			}
			r.tools[t.ExposedName] = t
		}
		if r.metrics != nil {
			r.metrics.RecordToolsRegistered(ctx, b.name, len(discovered[i]))
		}
	}

	r.logger.Info("Bridge initialized", "backends", len(r.backends), "tools", len(r.tools))
}

// start launches b and discovers its tools.
func (r *Registry) start(ctx context.Context, b *backend) ([]*Tool, error) {
	r.setState(ctx, b, StateStarting)

	if err := b.launch(); err != nil {
		r.setState(ctx, b, StateDead)
		return nil, err
	}
	go r.watch(b)

	dctx, cancel := context.WithTimeout(ctx, r.opts.StartTimeout)
	defer cancel()

	fut, err := b.conn.Send(NewRequest(discoveryID, MethodToolsList, nil))
	if err != nil {
		r.setState(ctx, b, StateDead)
		return nil, fmt.Errorf("send discovery request: %w", err)
	}
	resp, err := fut.Wait(dctx)
	if err != nil {
		r.setState(ctx, b, StateDead)
		if !errors.Is(err, ErrNoResponse) {
			// Wedged or speaking something else: it will not serve calls
			b.kill()
		}
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	r.setState(ctx, b, StateReady)

	if resp.Error != nil {
		b.logger.Warn("Backend rejected tool discovery", "error", resp.Error.Message)
		return nil, nil
	}
	var list toolsListResult
	if len(resp.Result) == 0 || json.Unmarshal(resp.Result, &list) != nil {
		b.logger.Warn("Invalid tools/list response", "line", util.Preview(resp.Raw(), 200))
		return nil, nil
	}

	tools := make([]*Tool, 0, len(list.Tools))
	for _, raw := range list.Tools {
		var def toolDefinition
		if err := json.Unmarshal(raw, &def); err != nil || def.Name == "" {
			continue
		}
		t := &Tool{
			ExposedName:   r.opts.ToolPrefix + b.name + "_" + def.Name,
			Server:        b.name,
			Name:          def.Name,
			Description:   def.Description,
			AIDescription: b.aiDescription(),
			Definition:    raw,
			InputSchema:   def.InputSchema,
		}
		t.resolved = compileSchema(b.logger, def.Name, def.InputSchema)
		b.logger.Debug("Registered tool", "tool", t.ExposedName)
		tools = append(tools, t)
	}
	b.logger.Info("Backend ready", "tools", len(tools))
	return tools, nil
}

// compileSchema returns nil when the schema is absent or does not compile;
// such tools accept any arguments.
func compileSchema(logger *slog.Logger, tool string, raw json.RawMessage) *jsonschema.Resolved {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		logger.Warn("Ignoring unparsable input schema", "tool", tool, "error", err)
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		logger.Warn("Ignoring unresolvable input schema", "tool", tool, "error", err)
		return nil
	}
	return resolved
}

// watch marks the backend dead once its process has exited.
func (r *Registry) watch(b *backend) {
	<-b.conn.Done()
	<-b.stderrDone
	err := b.cmd.Wait()
	if b.State() != StateDead {
		b.logger.Warn("Backend exited", "error", err)
	}
	r.setState(context.Background(), b, StateDead)
	close(b.exited)
}

// setState moves b to s. Dead is terminal.
func (r *Registry) setState(ctx context.Context, b *backend, s State) {
	var prev State
	for {
		prev = b.State()
		if prev == s || prev == StateDead {
			return
		}
		if b.state.CompareAndSwap(int32(prev), int32(s)) {
			break
		}
	}
	b.logger.Debug("Backend state changed", "from", prev.String(), "to", s.String())
	if r.metrics != nil {
		r.metrics.RecordBackendState(ctx, b.name, s.String())
	}
}

// Call invokes an exposed tool. It never returns a Go error; every failure
// is a result with IsError set.
func (r *Registry) Call(ctx context.Context, exposedName string, args map[string]any) ToolResult {
	r.Init(ctx)

	tool, ok := r.tools[exposedName]
	if !ok {
		return errorResult("Unknown tool: " + exposedName)
	}
	b := r.backends[tool.Server]

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "bridge.call")
		defer span.End()
	}

	start := time.Now()
	result, id := r.call(ctx, b, tool, args)
	instrumentation.AddBridgeAttributes(span, b.name, tool.Name, id)
	outcome := "success"
	if result.IsError {
		outcome = "error"
		instrumentation.SetSpanError(span, result.Text())
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrBridgeResult, outcome))
	if r.metrics != nil {
		r.metrics.RecordBridgeToolCall(ctx, b.name, outcome, float64(time.Since(start).Milliseconds()))
	}
	return result
}

func (r *Registry) call(ctx context.Context, b *backend, tool *Tool, args map[string]any) (ToolResult, int64) {
	if b.State() == StateDead {
		return errorResult(fmt.Sprintf("Server %s is not available.", b.name)), 0
	}

	if args == nil {
		args = map[string]any{}
	}
	if tool.resolved != nil {
		if err := tool.resolved.Validate(args); err != nil {
			return errorResult(fmt.Sprintf("Invalid arguments for %s: %v", tool.Name, err)), 0
		}
	}

	if r.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}

	timedOut := errorResult(fmt.Sprintf("Timed out waiting for server %s", b.name))
	if !b.acquire(ctx) {
		b.logger.Warn("Timed out waiting for backend lock", "tool", tool.Name)
		return timedOut, 0
	}
	defer b.release()

	// It may have died while we waited
	if b.State() == StateDead {
		return errorResult(fmt.Sprintf("Server %s is not available.", b.name)), 0
	}

	b.counter++
	id := b.counter
	noResponse := errorResult(fmt.Sprintf("No response from server %s", b.name))

	fut, err := b.conn.Send(NewRequest(id, MethodToolsCall, toolCallParams{Name: tool.Name, Arguments: args}))
	if err != nil {
		b.logger.Error("Failed to send tool call", "tool", tool.Name, "error", err)
		r.setState(ctx, b, StateDead)
		return noResponse, id
	}

	resp, err := fut.Wait(ctx)
	var malformed *MalformedError
	switch {
	case err == nil:
	case errors.Is(err, ErrNoResponse):
		b.logger.Error("No response from backend", "tool", tool.Name)
		r.setState(ctx, b, StateDead)
		return noResponse, id
	case errors.As(err, &malformed):
		b.logger.Warn("Malformed response from backend", "tool", tool.Name, "line", util.Preview(malformed.Line, 200))
		return errorResult(fmt.Sprintf("Invalid response from server %s: %s", b.name, malformed.Line)), id
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		b.logger.Warn("Timed out waiting for backend", "tool", tool.Name, "id", id)
		return timedOut, id
	default:
		b.logger.Error("Tool call failed", "tool", tool.Name, "error", err)
		return noResponse, id
	}

	if resp.Error != nil {
		message := resp.Error.Message
		if message == "" {
			message = "Unknown error"
		}
		return errorResult("Server error: " + message), id
	}
	if len(resp.Result) == 0 {
		return errorResult(fmt.Sprintf("Invalid response from server %s: %s", b.name, resp.Raw())), id
	}

	b.logger.Debug("Tool call completed", "tool", tool.Name, "id", id, "result", util.Preview(string(resp.Result), 120))
	return normalizeResult(resp.Result), id
}

// Tool returns a discovered tool by exposed name.
func (r *Registry) Tool(ctx context.Context, exposedName string) (*Tool, bool) {
	r.Init(ctx)
	t, ok := r.tools[exposedName]
	return t, ok
}

// State returns the lifecycle state of a configured backend.
func (r *Registry) State(ctx context.Context, server string) (State, bool) {
	r.Init(ctx)
	b, ok := r.backends[server]
	if !ok {
		return StateUnstarted, false
	}
	return b.State(), true
}

// Close shuts every backend down: stdin is closed, and children still
// running after the shutdown timeout are killed.
func (r *Registry) Close() error {
	r.initMu.Lock()
	r.closed = true
	backends := make([]*backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.initMu.Unlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.setState(context.Background(), b, StateDead)
			b.shutdown(r.opts.ShutdownTimeout)
		}()
	}
	wg.Wait()
	return nil
}

// backend is one child process.
type backend struct {
	name   string
	config storage.BackendConfig
	logger *slog.Logger

	state atomic.Int32

	// sem is a one-slot lock that can be abandoned on context expiry.
	// counter is guarded by it.
	sem     chan struct{}
	counter int64

	cmd        *exec.Cmd
	conn       *Conn
	stderrDone chan struct{}
	exited     chan struct{}
}

func (r *Registry) newBackend(name string, cfg storage.BackendConfig) *backend {
	return &backend{
		name:       name,
		config:     cfg,
		logger:     r.logger.With("server", name),
		sem:        make(chan struct{}, 1),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

func (b *backend) State() State {
	return State(b.state.Load())
}

func (b *backend) aiDescription() string {
	if b.config.AIDescription != "" {
		return b.config.AIDescription
	}
	return fmt.Sprintf("Use this tool when you need to access %s functionality", b.name)
}

func (b *backend) acquire(ctx context.Context) bool {
	select {
	case b.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *backend) release() {
	<-b.sem
}

// launch starts the process and its pipe readers.
func (b *backend) launch() error {
	cmd := exec.Command(b.config.Command, b.config.Args...)
	cmd.Env = mergeEnv(os.Environ(), b.config.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	b.logger.Info("Starting backend", "command", b.config.Command, "args", len(b.config.Args))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	b.cmd = cmd
	b.conn = NewConn(stdin, stdout, b.logger)
	go b.drainStderr(stderr)
	return nil
}

func (b *backend) drainStderr(r io.Reader) {
	defer close(b.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			b.logger.Debug("Backend stderr", "line", util.Preview(line, 500))
		}
	}
}

func (b *backend) kill() {
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

func (b *backend) shutdown(timeout time.Duration) {
	if b.cmd == nil {
		return
	}
	_ = b.conn.Close()

	select {
	case <-b.exited:
		return
	case <-time.After(timeout):
	}
	b.logger.Warn("Backend did not exit, killing it", "timeout", timeout)
	b.kill()
	<-b.exited
}

// mergeEnv overlays extra onto base, replacing variables already set.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
