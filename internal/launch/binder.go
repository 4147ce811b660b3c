// Package launch starts provider and renderer processes and exposes them as
// remote capability handles.
package launch

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/log"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// DefaultStopGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultStopGrace = 2 * time.Second

var (
	processesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formbroker_processes_started_total",
		Help: "Provider and renderer processes started.",
	})
	processExits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formbroker_process_exits_total",
		Help: "Provider and renderer processes that exited.",
	})
)

// Resolver maps a provider key to its executable.
type Resolver interface {
	Entrypoint(key form.ProviderKey) (string, bool)
}

// Sink receives callbacks read from a process.
type Sink interface {
	Deliver(from form.ProviderKey, cb *protocol.Callback)
}

// Options configures a Binder. RendererKey is served by RendererPath
// instead of the resolver.
type Options struct {
	Resolver     Resolver
	Sink         Sink
	RendererKey  form.ProviderKey
	RendererPath string
	RendererArgs []string
	StopGrace    time.Duration
}

// Binder implements connect.Binder with one process per provider key.
type Binder struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	procs map[form.ProviderKey]*process
	wg    sync.WaitGroup
}

var _ connect.Binder = (*Binder)(nil)

// NewBinder returns a binder. A zero StopGrace means DefaultStopGrace.
func NewBinder(opts Options) *Binder {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	return &Binder{
		opts:   opts,
		logger: log.WithComponent("launch"),
		procs:  make(map[form.ProviderKey]*process),
	}
}

// Bind reuses the live process for key or starts one. The outcome reaches l
// on another goroutine.
func (b *Binder) Bind(key form.ProviderKey, l connect.Listener) error {
	path, args, ok := b.entrypoint(key)
	if !ok {
		return form.Errorf(form.CodeBindProviderFailed, "no entrypoint for %s", key)
	}

	b.mu.Lock()
	p, ok := b.procs[key]
	if ok && !p.alive() {
		delete(b.procs, key)
		ok = false
	}
	if ok {
		b.mu.Unlock()
		go l.OnConnected(p)
		return nil
	}
	p, err := b.start(key, path, args)
	if err != nil {
		b.mu.Unlock()
		b.logger.Warn("failed to start process", "key", key.String(), "entrypoint", path, "error", err)
		go l.OnFailed(form.CodeBindProviderFailed)
		return nil
	}
	b.procs[key] = p
	b.mu.Unlock()

	go l.OnConnected(p)
	return nil
}

// Disconnect stops the process serving key without waiting for it to exit.
func (b *Binder) Disconnect(key form.ProviderKey) {
	b.mu.Lock()
	p, ok := b.procs[key]
	delete(b.procs, key)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.logger.Info("disconnecting process", "key", key.String(), "process_id", p.id)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		p.terminate(b.opts.StopGrace)
	}()
}

// Running returns the keys with a live process, ordered by key.
func (b *Binder) Running() []form.ProviderKey {
	b.mu.Lock()
	out := make([]form.ProviderKey, 0, len(b.procs))
	for k, p := range b.procs {
		if p.alive() {
			out = append(out, k)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Close stops every process and waits for them to exit.
func (b *Binder) Close() {
	b.mu.Lock()
	keys := make([]form.ProviderKey, 0, len(b.procs))
	for k := range b.procs {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	for _, k := range keys {
		b.Disconnect(k)
	}
	b.wg.Wait()
}

func (b *Binder) entrypoint(key form.ProviderKey) (string, []string, bool) {
	if key == b.opts.RendererKey {
		return b.opts.RendererPath, b.opts.RendererArgs, b.opts.RendererPath != ""
	}
	if b.opts.Resolver == nil {
		return "", nil, false
	}
	path, ok := b.opts.Resolver.Entrypoint(key)
	return path, nil, ok
}

// start spawns the process for key. Called with b.mu held.
func (b *Binder) start(key form.ProviderKey, path string, args []string) (*process, error) {
	// Don't use CommandContext: termination is managed by terminate.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(),
		"FORMBROKER_BUNDLE="+key.Bundle,
		"FORMBROKER_ABILITY="+key.Ability,
		fmt.Sprintf("FORMBROKER_PROTOCOL=%d", protocol.Version),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	processesStarted.Inc()

	id := uuid.NewString()
	p := &process{
		id:     id,
		key:    key,
		cmd:    cmd,
		stdin:  stdin,
		logger: b.logger.With("key", key.String(), "process_id", id, "pid", cmd.Process.Pid),
		done:   make(chan struct{}),
		hooks:  make(map[int]func()),
	}
	p.logger.Info("process started", "entrypoint", path)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readLoop(stdout, func(cb *protocol.Callback) {
			if b.opts.Sink != nil {
				b.opts.Sink.Deliver(key, cb)
			}
		})
	}()
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()

	go func() {
		// Wait must follow the pipe readers.
		readers.Wait()
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.logger.Warn("process exited with non-zero status", "exit_code", exitErr.ExitCode())
		} else if err != nil {
			p.logger.Warn("wait for process", "error", err)
		} else {
			p.logger.Info("process exited")
		}
		processExits.Inc()
		close(p.done)
		b.forget(key, p)
		p.markDead()
	}()

	return p, nil
}

// forget drops p from the table unless it was already replaced.
func (b *Binder) forget(key form.ProviderKey, p *process) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.procs[key]; ok && cur == p {
		delete(b.procs, key)
	}
}
