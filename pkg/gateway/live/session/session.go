// Package session bridges one phone call between the carrier's media stream
// websocket and the realtime speech model, and carries the call's
// conversational state: the running dialogue, the booking flow, and the
// interruption bookkeeping.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxline/callbridge/pkg/gateway/live/protocol"
	"github.com/voxline/callbridge/pkg/gateway/live/realtime"
)

const (
	maxCanceledResponseIDs    = 64
	outboundPriorityQueueSize = 8
)

type Config struct {
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxMessageBytes    int64
	MaxSessionDuration time.Duration
	OutboundQueueSize  int
	FinalizeTimeout    time.Duration
}

// ModelDialer opens the model session. Injected so tests can run a bridge
// against a fake.
type ModelDialer func(ctx context.Context) (*realtime.Conn, error)

type Dependencies struct {
	Conn      *websocket.Conn
	DialModel ModelDialer
	Router    *Router
	Finalizer *Finalizer
	Logger    *slog.Logger
	Config    Config
}

// Bridge owns one call end to end: two reader goroutines and a writer
// goroutine feed a single event loop that holds all mutable state.
type Bridge struct {
	conn      *websocket.Conn
	dialModel ModelDialer
	router    *Router
	finalizer *Finalizer
	logger    *slog.Logger
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	model *realtime.Conn

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	canceledResponses atomic.Value // canceledResponseState
}

type canceledResponseState struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	data []byte
	err  error
}

type modelEvent struct {
	ev  any
	err error
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("carrier connection is required")
	}
	if deps.DialModel == nil {
		return nil, fmt.Errorf("model dialer is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.FinalizeTimeout <= 0 {
		deps.Config.FinalizeTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		conn:             deps.Conn,
		dialModel:        deps.DialModel,
		router:           deps.Router,
		finalizer:        deps.Finalizer,
		logger:           deps.Logger,
		cfg:              deps.Config,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	b.canceledResponses.Store(canceledResponseState{set: make(map[string]struct{})})
	// The bridge is the router's effects sink unless a test already
	// installed a fake.
	if deps.Router.effects == nil {
		deps.Router.effects = b
	}
	return b, nil
}

func (b *Bridge) Run() error {
	defer b.cancel()
	defer b.finalize()

	if b.cfg.MaxMessageBytes > 0 {
		b.conn.SetReadLimit(b.cfg.MaxMessageBytes)
	}
	if b.cfg.ReadTimeout > 0 {
		_ = b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		b.conn.SetPongHandler(func(string) error {
			return b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		})
	}

	model, err := b.dialModel(b.ctx)
	if err != nil {
		return fmt.Errorf("dial model: %w", err)
	}
	b.model = model
	defer model.Close()

	teleCh := make(chan inboundFrame, 64)
	modelCh := make(chan modelEvent, 64)
	writerErrCh := make(chan error, 1)

	go b.readTelephony(teleCh)
	go b.readModel(modelCh)
	go func() {
		w := outboundWriter{
			ws:         b.conn,
			ctx:        b.ctx,
			cfg:        b.cfg,
			priority:   b.outboundPriority,
			normal:     b.outboundNormal,
			isCanceled: b.isResponseCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	var sessionTimer *time.Timer
	if b.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(b.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	for {
		select {
		case <-b.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err != nil {
				return fmt.Errorf("caller stream write: %w", err)
			}
			return nil
		case frame, ok := <-teleCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				// The carrier hanging up shows up as a read error.
				b.logger.Debug("carrier stream closed", "error", frame.err)
				return nil
			}
			ev, decErr := protocol.DecodeInbound(frame.data)
			if decErr != nil {
				b.logger.Warn("undecodable carrier frame", "error", decErr)
				continue
			}
			if err := b.router.HandleTelephonyEvent(b.ctx, ev); err != nil {
				return err
			}
		case me, ok := <-modelCh:
			if !ok {
				return nil
			}
			if me.err != nil {
				b.logger.Debug("model stream closed", "error", me.err)
				return nil
			}
			if err := b.router.HandleModelEvent(b.ctx, me.ev); err != nil {
				return err
			}
		case <-sessionTimerCh():
			b.logger.Warn("maximum call duration reached", "call_sid", b.router.State().CallSID)
			return nil
		}
	}
}

func (b *Bridge) readTelephony(out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		if b.cfg.ReadTimeout > 0 {
			_ = b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) readModel(out chan<- modelEvent) {
	defer close(out)
	for {
		ev, err := b.model.ReadEvent()
		if err != nil {
			select {
			case out <- modelEvent{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		select {
		case out <- modelEvent{ev: ev}:
		case <-b.ctx.Done():
			return
		}
	}
}

// finalize closes the conversation out on its own context, since the
// session's context is already canceled by the time the call tears down.
func (b *Bridge) finalize() {
	if b.finalizer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FinalizeTimeout)
	defer cancel()
	b.finalizer.Finalize(ctx, b.router.State())
}

// Effects implementation backing the router.

func (b *Bridge) SendToCaller(payload []byte) error {
	return b.enqueue(b.outboundNormal, outboundFrame{payload: payload})
}

func (b *Bridge) SendToCallerPriority(payload []byte) error {
	return b.enqueue(b.outboundPriority, outboundFrame{payload: payload})
}

func (b *Bridge) SendAssistantAudio(responseID string, payload []byte) error {
	if b.isResponseCanceled(responseID) {
		return nil
	}
	return b.enqueue(b.outboundNormal, outboundFrame{
		isAssistantAudio: true,
		responseID:       responseID,
		payload:          payload,
	})
}

func (b *Bridge) enqueue(ch chan outboundFrame, frame outboundFrame) error {
	select {
	case ch <- frame:
		return nil
	case <-b.ctx.Done():
		return b.ctx.Err()
	}
}

func (b *Bridge) SendToModel(v any) error {
	if b.model == nil {
		return fmt.Errorf("model session is not connected")
	}
	return b.model.Send(v)
}

// CancelAssistantAudio marks a response so the writer drops any of its audio
// still queued. The set is bounded; old entries age out in insertion order.
func (b *Bridge) CancelAssistantAudio(responseID string) {
	if responseID == "" {
		return
	}
	prev := b.canceledResponses.Load().(canceledResponseState)
	if _, ok := prev.set[responseID]; ok {
		return
	}
	next := canceledResponseState{
		set:   make(map[string]struct{}, len(prev.set)+1),
		order: make([]string, 0, len(prev.order)+1),
	}
	for id := range prev.set {
		next.set[id] = struct{}{}
	}
	next.order = append(next.order, prev.order...)
	next.set[responseID] = struct{}{}
	next.order = append(next.order, responseID)
	for len(next.order) > maxCanceledResponseIDs {
		oldest := next.order[0]
		next.order = next.order[1:]
		delete(next.set, oldest)
	}
	b.canceledResponses.Store(next)
}

func (b *Bridge) isResponseCanceled(responseID string) bool {
	if responseID == "" {
		return false
	}
	state := b.canceledResponses.Load().(canceledResponseState)
	_, ok := state.set[responseID]
	return ok
}

func (b *Bridge) Hangup() {
	b.cancel()
}
