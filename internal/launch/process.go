package launch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// maxLineBytes bounds one callback line read from a process.
const maxLineBytes = 4 << 20

// errExited is returned by calls on a process that has exited.
var errExited = errors.New("process exited")

// process is one running provider or renderer. It implements both
// protocol.Provider and protocol.Renderer by writing JSON-line calls to stdin.
type process struct {
	id     string
	key    form.ProviderKey
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
	done   chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	dead     bool
	hooks    map[int]func()
	nextHook int
}

func (p *process) ID() string { return p.id }

// OnDeath registers fn to run once when the process exits. On an exited
// process fn runs immediately.
func (p *process) OnDeath(fn func()) func() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		fn()
		return func() {}
	}
	id := p.nextHook
	p.nextHook++
	p.hooks[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.hooks, id)
		p.mu.Unlock()
	}
}

func (p *process) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

// markDead flips the process to dead and runs every hook once.
func (p *process) markDead() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	hooks := make([]func(), 0, len(p.hooks))
	for _, fn := range p.hooks {
		hooks = append(hooks, fn)
	}
	p.hooks = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (p *process) send(c *protocol.Call) error {
	if !p.alive() {
		return fmt.Errorf("%s %s: %w", c.Method, p.key, errExited)
	}
	c.Protocol = protocol.Version

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := protocol.EncodeCall(p.stdin, c); err != nil {
		return fmt.Errorf("write %s to %s: %w", c.Method, p.key, err)
	}
	return nil
}

// readLoop decodes callbacks until stdout closes.
func (p *process) readLoop(stdout io.Reader, deliver func(*protocol.Callback)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		cb, err := protocol.DecodeCallback(scanner.Bytes())
		if err != nil {
			p.logger.Warn("dropping malformed callback", "error", err)
			continue
		}
		deliver(cb)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("callback stream ended with error", "error", err)
	}
}

// logStderr forwards stderr lines to the debug log.
func (p *process) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("process stderr", "line", scanner.Text())
	}
}

// terminate closes stdin, sends SIGTERM, and escalates to SIGKILL after grace.
func (p *process) terminate(grace time.Duration) {
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return
	}

	select {
	case <-p.done:
		return
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Info("process exited after SIGTERM")
	case <-timer.C:
		p.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-p.done
	}
}

func (p *process) AcquireContent(snap protocol.FormSnapshot, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodAcquire, Form: &snap, FormID: snap.ID, Want: want})
}

func (p *process) NotifyDelete(formID int64, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodDelete, FormID: formID, Want: want})
}

func (p *process) NotifyUpdate(formID int64, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodUpdate, FormID: formID, Want: want})
}

func (p *process) BatchNotifyDelete(formIDs []int64, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodBatchDelete, FormIDs: formIDs, Want: want})
}

func (p *process) NotifyVisibility(formIDs []int64, kind protocol.Visibility, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodVisibility, FormIDs: formIDs, Visibility: kind, Want: want})
}

func (p *process) FireEvent(formID int64, message string, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodEvent, FormID: formID, Message: message, Want: want})
}

func (p *process) AcquireState(query protocol.Want, providerIdentity string, want protocol.Want) error {
	want = want.Clone().SetString(protocol.KeyProviderIdentifier, providerIdentity)
	return p.send(&protocol.Call{Method: protocol.MethodAcquireState, Query: query, Want: want})
}

func (p *process) AcquireData(formID int64, requestCode int64, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodAcquireData, FormID: formID, RequestCode: requestCode, Want: want})
}

func (p *process) NotifyCastTemp(formID int64, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodCastTemp, FormID: formID, Want: want})
}

func (p *process) FireBackground(method string, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodBackground, Message: method, Want: want})
}

func (p *process) Share(formID int64, deviceID string, requestCode int64, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodShare, FormID: formID, DeviceID: deviceID, RequestCode: requestCode, Want: want})
}

func (p *process) Render(snap protocol.FormSnapshot, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodRender, Form: &snap, FormID: snap.ID, Want: want})
}

func (p *process) StopRendering(snap protocol.FormSnapshot, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodStopRendering, Form: &snap, FormID: snap.ID, Want: want})
}

func (p *process) Reload(formIDs []int64, want protocol.Want) error {
	return p.send(&protocol.Call{Method: protocol.MethodReload, FormIDs: formIDs, Want: want})
}

func (p *process) CleanFormHost(hostToken string) error {
	return p.send(&protocol.Call{Method: protocol.MethodCleanFormHost, HostToken: hostToken})
}
