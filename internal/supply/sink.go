// Package supply is the single endpoint providers call back into. It
// demultiplexes replies by the connect id embedded in their want and hands
// them to the broker.
package supply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/log"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// DefaultTimeout bounds Await when the caller passes zero.
const DefaultTimeout = 3 * time.Second

// ErrTimeout is returned by Await when no reply arrives in time.
var ErrTimeout = errors.New("supply: reply timed out")

// Connections is the connection table the sink tears entries out of.
type Connections interface {
	Get(connectID int64) (connect.Connection, bool)
	Detach(connectID int64) bool
	RemoveByHost(token string) []int64
}

// Router receives demultiplexed replies.
type Router interface {
	// OnAcquired handles content for a created or re-created form.
	OnAcquired(conn connect.Connection, data json.RawMessage, kind protocol.AcquireKind, want protocol.Want) error
	// OnRenderAcquired handles content for a renderer-bound form.
	OnRenderAcquired(conn connect.Connection, data json.RawMessage, want protocol.Want) error
	// OnAcquireFailed reports a provider-side error to whoever asked.
	OnAcquireFailed(conn connect.Connection, code form.Code, msg string)
	// OnStateResult forwards a state answer to the asking host.
	OnStateResult(conn connect.Connection, state protocol.State, want protocol.Want)
}

// Result is a reply delivered to an Await caller.
type Result struct {
	Code int
	Data json.RawMessage
}

// Sink demultiplexes provider replies.
type Sink struct {
	conns  Connections
	router Router
	logger *slog.Logger

	mu       sync.Mutex
	nextCode int64
	waiters  map[int64]chan Result
}

// New creates a sink.
func New(conns Connections, router Router) *Sink {
	return &Sink{
		conns:   conns,
		router:  router,
		logger:  log.WithComponent("supply"),
		waiters: make(map[int64]chan Result),
	}
}

func (s *Sink) lookup(want protocol.Want) (connect.Connection, error) {
	id := want.ConnectID()
	conn, ok := s.conns.Get(id)
	if !ok {
		// A task posted before its connection was detached lands here.
		s.logger.Debug("reply for unknown connection", "connect_id", id)
		return connect.Connection{}, form.Errorf(form.CodeNotExistID, "connection %d not found", id)
	}
	return conn, nil
}

// OnAcquireResult handles a provider's answer to an acquire. An embedded
// error code tears the connection down and leaves the registry untouched.
func (s *Sink) OnAcquireResult(data *protocol.FormData, want protocol.Want) error {
	conn, err := s.lookup(want)
	if err != nil {
		return err
	}
	defer s.conns.Detach(conn.ID)

	if code := want.ErrorCode(); code != 0 {
		msg := want.String(protocol.KeyErrorMessage)
		s.logger.Warn("provider reported acquire error", "connect_id", conn.ID, "form_id", conn.FormID, "code", code, "message", msg)
		s.router.OnAcquireFailed(conn, form.Code(code), msg)
		return form.Errorf(form.Code(code), "provider %s: %s", conn.Key, msg)
	}
	if data == nil {
		return form.Errorf(form.CodeInvalidParam, "acquire reply without form data")
	}
	if data.FormID != 0 && conn.FormID != 0 && data.FormID != conn.FormID {
		return form.Errorf(form.CodeInvalidParam, "reply for form %d on connection of form %d", data.FormID, conn.FormID)
	}

	switch kind := want.AcquireKind(); kind {
	case protocol.AcquireCreate, protocol.AcquireRecreate:
		return s.router.OnAcquired(conn, data.Data, kind, want)
	case protocol.AcquireRender:
		return s.router.OnRenderAcquired(conn, data.Data, want)
	default:
		return form.Errorf(form.CodeInvalidParam, "unknown acquire kind %d", int(kind))
	}
}

// OnEvent acknowledges a notification; it only removes the connection.
func (s *Sink) OnEvent(want protocol.Want) error {
	conn, err := s.lookup(want)
	if err != nil {
		return err
	}
	s.conns.Detach(conn.ID)
	return nil
}

// OnStateResult forwards a state answer and removes the connection.
func (s *Sink) OnStateResult(state protocol.State, want protocol.Want) error {
	conn, err := s.lookup(want)
	if err != nil {
		return err
	}
	defer s.conns.Detach(conn.ID)
	s.router.OnStateResult(conn, state, want)
	return nil
}

// OnShareResult completes a pending share and removes the connection.
func (s *Sink) OnShareResult(requestCode int64, result int, want protocol.Want) error {
	conn, err := s.lookup(want)
	if err == nil {
		defer s.conns.Detach(conn.ID)
	}
	if !s.resolve(requestCode, Result{Code: result}) {
		return form.Errorf(form.CodeNotExistID, "no share waiting on request %d", requestCode)
	}
	return nil
}

// OnAcquireDataResult completes a pending data request.
func (s *Sink) OnAcquireDataResult(data json.RawMessage, requestCode int64, want protocol.Want) error {
	conn, err := s.lookup(want)
	if err == nil {
		defer s.conns.Detach(conn.ID)
	}
	if !s.resolve(requestCode, Result{Code: want.ErrorCode(), Data: slices.Clone(data)}) {
		return form.Errorf(form.CodeNotExistID, "no data request waiting on request %d", requestCode)
	}
	return nil
}

// HandleHostDied removes every connection opened for the host and returns the
// forms they served, each once.
func (s *Sink) HandleHostDied(token string) []int64 {
	forms := s.conns.RemoveByHost(token)
	if len(forms) > 0 {
		s.logger.Info("dropped connections of dead host", "host", token, "forms", forms)
	}
	return forms
}

// Reserve allocates a request code whose reply can be collected with Await.
func (s *Sink) Reserve() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCode++
	s.waiters[s.nextCode] = make(chan Result, 1)
	return s.nextCode
}

// Await blocks until the reply for code arrives, ctx ends or timeout passes.
// A code can be awaited once.
func (s *Sink) Await(ctx context.Context, code int64, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s.mu.Lock()
	ch, ok := s.waiters[code]
	s.mu.Unlock()
	if !ok {
		return Result{}, form.Errorf(form.CodeInvalidParam, "request %d not reserved", code)
	}
	defer s.Cancel(code)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return Result{}, fmt.Errorf("request %d after %s: %w", code, timeout, ErrTimeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel forgets a reserved code.
func (s *Sink) Cancel(code int64) {
	s.mu.Lock()
	delete(s.waiters, code)
	s.mu.Unlock()
}

// Fail completes a reserved request whose connection never reached the
// provider, so the Await caller sees errCode instead of a timeout.
func (s *Sink) Fail(code int64, errCode form.Code) bool {
	return s.resolve(code, Result{Code: int(errCode)})
}

// resolve hands res to the waiter. The entry stays until Await collects it,
// so a reply that beats the Await call is not lost. A second reply is dropped.
func (s *Sink) resolve(code int64, res Result) bool {
	s.mu.Lock()
	ch, ok := s.waiters[code]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- res:
		return true
	default:
		return false
	}
}

// Waiting returns the number of outstanding request codes.
func (s *Sink) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
