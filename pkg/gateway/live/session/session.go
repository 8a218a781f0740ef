package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/realtime-relay/pkg/gateway/live/intercept"
	"github.com/vango-go/realtime-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/upstream"
)

const outboundPriorityQueueSize = 8

var (
	ErrUpstreamClosed = errors.New("live upstream closed")
	ErrInitTimeout    = errors.New("live session initialization timed out")
)

var errBackpressure = errors.New("live outbound backpressure")

// Upstream opens the provider side of a relay session.
type Upstream interface {
	Dial(ctx context.Context, model string) (*websocket.Conn, error)
}

type Config struct {
	MaxMessageBytes          int64
	PingInterval             time.Duration
	WriteTimeout             time.Duration
	ReadTimeout              time.Duration
	MaxSessionDuration       time.Duration
	InitTimeout              time.Duration
	DialTimeout              time.Duration
	MaxQueuedEvents          int
	MaxClientEventsPerSecond int
	OutboundQueueSize        int
	GreetingEnabled          bool
	GreetingInstructions     string
}

type Dependencies struct {
	Conn      *websocket.Conn
	Upstream  Upstream
	Model     string
	Session   protocol.SessionConfig
	Logger    *slog.Logger
	SessionID string
	RequestID string
	Config    Config
	Now       func() time.Time
	Metrics   *metrics.Metrics

	// NewEventID stamps relay-originated client events. Defaults to
	// evt_relay_<uuid>.
	NewEventID func() string
}

// Session relays one browser connection to one upstream connection.
type Session struct {
	conn      *websocket.Conn
	upstream  Upstream
	model     string
	logger    *slog.Logger
	sessionID string
	requestID string
	cfg       Config
	now       func() time.Time
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	machine *intercept.Machine

	// Relay-originated frames to the browser go on browserPriority. The
	// upstream has a single lane so relay frames keep their place in order.
	browserPriority chan outboundFrame
	browserNormal   chan outboundFrame
	upstreamNormal  chan outboundFrame

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	clientEvents   atomic.Int64
	upstreamEvents atomic.Int64
	droppedEvents  atomic.Int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if strings.TrimSpace(deps.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewEventID == nil {
		deps.NewEventID = func() string { return "evt_relay_" + uuid.NewString() }
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Config.InitTimeout <= 0 {
		deps.Config.InitTimeout = 10 * time.Second
	}
	if deps.Config.DialTimeout <= 0 {
		deps.Config.DialTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:            deps.Conn,
		upstream:        deps.Upstream,
		model:           deps.Model,
		logger:          deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		sessionID:       deps.SessionID,
		requestID:       deps.RequestID,
		cfg:             deps.Config,
		now:             deps.Now,
		metrics:         deps.Metrics,
		ctx:             ctx,
		cancel:          cancel,
		browserPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		browserNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		upstreamNormal:  make(chan outboundFrame, deps.Config.OutboundQueueSize),
		closeCode:       websocket.CloseNormalClosure,
	}
	s.machine = intercept.New(intercept.Options{
		Session:              deps.Session,
		GreetingEnabled:      deps.Config.GreetingEnabled,
		GreetingInstructions: deps.Config.GreetingInstructions,
		MaxQueued:            deps.Config.MaxQueuedEvents,
		SessionUpdateID:      deps.NewEventID(),
		GreetingID:           deps.NewEventID(),
	})
	return s, nil
}

// Run blocks until either side closes, the session is canceled, or
// initialization fails. Only Run touches the intercept machine, so events
// reach each side in the order Run decided them.
func (s *Session) Run() error {
	defer s.cancel()

	started := s.now()
	s.logger.Info("live session started", "model", s.model)
	s.metrics.RecordSessionStart()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			cfg:          s.cfg,
			priority:     s.browserPriority,
			normal:       s.browserNormal,
			closeMessage: s.browserCloseMessage,
		}
		if err := w.Run(); err != nil {
			s.logger.Debug("live browser writer stopped", "error", err)
			s.cancel()
		}
	}()

	browserCh := make(chan inboundFrame, 64)
	go readLoop(s.ctx, s.conn, browserCh)

	dialCh := make(chan dialResult, 1)
	go func() {
		dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		conn, err := s.upstream.Dial(dialCtx, s.model)
		dialCh <- dialResult{conn: conn, err: err}
	}()

	var (
		upstreamConn *websocket.Conn
		upstreamCh   <-chan inboundFrame
		initTimer    <-chan time.Time
		maxTimer     <-chan time.Time
	)
	if s.cfg.MaxSessionDuration > 0 {
		t := time.NewTimer(s.cfg.MaxSessionDuration)
		defer t.Stop()
		maxTimer = t.C
	}

	inLimiter := newInboundLimiter(s.now, s.cfg.MaxClientEventsPerSecond)

	err := func() error {
		for {
			select {
			case <-s.ctx.Done():
				return nil

			case <-maxTimer:
				_ = s.sendWarning("session_expired", "maximum session duration reached")
				s.setClose(websocket.CloseNormalClosure, "session_expired")
				return nil

			case <-initTimer:
				initTimer = nil
				if s.machine.Phase() != intercept.PhaseInitializing {
					continue
				}
				s.logger.Warn("live session initialization timed out", "timeout", s.cfg.InitTimeout)
				_ = s.sendError("init_timeout", "upstream did not confirm the session configuration", "")
				s.setClose(websocket.CloseInternalServerErr, "init_timeout")
				return ErrInitTimeout

			case res := <-dialCh:
				dialCh = nil
				if res.err != nil {
					s.logger.Warn("live upstream dial failed", "error", res.err)
					code := upstream.ErrorCode(res.err)
					s.metrics.RecordDialFailure(code)
					_ = s.sendError(code, "failed to connect to the realtime provider", "")
					s.setClose(websocket.CloseInternalServerErr, code)
					return fmt.Errorf("dial upstream: %w", res.err)
				}
				upstreamConn = res.conn

				// The writer starts first so a full pending queue cannot block
				// the flush below.
				writers.Add(1)
				go func(conn *websocket.Conn) {
					defer writers.Done()
					w := outboundWriter{
						ws:     conn,
						ctx:    s.ctx,
						cfg:    s.cfg,
						normal: s.upstreamNormal,
					}
					if err := w.Run(); err != nil {
						s.logger.Debug("live upstream writer stopped", "error", err)
						s.cancel()
					}
				}(upstreamConn)

				out, err := s.machine.Connected()
				if err != nil {
					return err
				}
				for _, payload := range out {
					if err := s.enqueueUpstream(payload); err != nil {
						return err
					}
				}
				s.logger.Info("live session phase", "phase", s.machine.Phase().String(), "flushed", len(out)-1)
				s.metrics.RecordPhase(s.machine.Phase().String())

				ch := make(chan inboundFrame, 64)
				go readLoop(s.ctx, upstreamConn, ch)
				upstreamCh = ch

				t := time.NewTimer(s.cfg.InitTimeout)
				defer t.Stop()
				initTimer = t.C

			case in, ok := <-browserCh:
				if !ok {
					return nil
				}
				done, err := s.handleBrowserFrame(in, inLimiter)
				if done || err != nil {
					return err
				}

			case in, ok := <-upstreamCh:
				if !ok {
					return ErrUpstreamClosed
				}
				done, err := s.handleUpstreamFrame(in)
				if done || err != nil {
					return err
				}
			}
		}
	}()

	s.machine.Close()
	s.cancel()
	if dialCh != nil {
		go func(ch <-chan dialResult) {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}(dialCh)
	}
	waitWriters(&writers, s.cfg.WriteTimeout)
	_ = s.conn.Close()
	if upstreamConn != nil {
		_ = upstreamConn.Close()
	}

	code, reason := s.closeState()
	s.metrics.RecordSessionEnd(s.model, outcomeLabel(reason), s.now().Sub(started))
	s.logger.Info("live session ended",
		"duration_ms", s.now().Sub(started).Milliseconds(),
		"client_events", s.clientEvents.Load(),
		"upstream_events", s.upstreamEvents.Load(),
		"dropped_events", s.droppedEvents.Load(),
		"close_code", code,
		"close_reason", reason,
		"error", err,
	)
	return err
}

func (s *Session) handleBrowserFrame(in inboundFrame, limiter *inboundLimiter) (bool, error) {
	if in.err != nil {
		if !websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			s.logger.Debug("live browser read failed", "error", in.err)
		}
		return true, nil
	}
	s.clientEvents.Add(1)

	if in.messageType != websocket.TextMessage {
		s.dropEvent("client", "bad_request")
		_ = s.sendError("bad_request", "binary frames are not supported; send JSON text events", "")
		return false, nil
	}
	ev, err := protocol.DecodeEvent(in.data)
	if err != nil {
		code, message := "bad_request", err.Error()
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		s.dropEvent("client", code)
		_ = s.sendError(code, message, "")
		return false, nil
	}
	if !limiter.Allow() {
		s.dropEvent("client", "rate_limited")
		_ = s.sendError("rate_limited", "too many client events", ev.EventID)
		return false, nil
	}

	phase := s.machine.Phase()
	dec, err := s.machine.FromClient(ev)
	s.logEvent("client", ev, phase, dec)
	if err != nil {
		if errors.Is(err, intercept.ErrQueueFull) {
			s.dropEvent("client", "queue_full")
			_ = s.sendError("queue_full", "too many events before the session is ready", ev.EventID)
			return false, nil
		}
		s.dropEvent("client", "bad_request")
		_ = s.sendError("bad_request", err.Error(), ev.EventID)
		return false, nil
	}

	switch dec.Action {
	case intercept.ActionForward, intercept.ActionRewrite:
		if err := s.enqueueUpstream(dec.Payload); err != nil {
			return true, err
		}
	case intercept.ActionDrop:
		s.dropEvent("client", "intercepted")
	}
	return false, nil
}

func (s *Session) handleUpstreamFrame(in inboundFrame) (bool, error) {
	if in.err != nil {
		if websocket.IsCloseError(in.err, websocket.CloseNormalClosure) {
			s.logger.Info("live upstream closed", "error", in.err)
			s.setClose(websocket.CloseNormalClosure, "upstream closed")
		} else {
			s.logger.Warn("live upstream read failed", "error", in.err)
			_ = s.sendError("upstream_closed", "realtime provider connection lost", "")
			s.setClose(websocket.CloseInternalServerErr, "upstream closed")
		}
		return true, fmt.Errorf("%w: %v", ErrUpstreamClosed, in.err)
	}
	s.upstreamEvents.Add(1)

	ev, err := protocol.DecodeEvent(in.data)
	if err != nil {
		s.dropEvent("upstream", "undecodable")
		s.logger.Warn("live upstream sent undecodable frame", "error", err, "bytes", len(in.data))
		return false, nil
	}

	phase := s.machine.Phase()
	dec, toUpstream, err := s.machine.FromUpstream(ev)
	s.logEvent("upstream", ev, phase, dec)
	if errors.Is(err, intercept.ErrConfigRejected) {
		s.logger.Warn("live upstream rejected session config", "code", ev.ErrorCode, "message", ev.ErrorMessage)
		if dec.Payload != nil {
			if err := s.enqueueBrowser(dec.Payload); err != nil {
				return true, err
			}
		}
		_ = s.sendError("session_config_rejected", "realtime provider rejected the session configuration", "")
		s.setClose(websocket.CloseInternalServerErr, "session_config_rejected")
		return true, err
	}
	if err != nil {
		return true, err
	}

	for _, payload := range toUpstream {
		if err := s.enqueueUpstream(payload); err != nil {
			return true, err
		}
	}
	if phase != s.machine.Phase() {
		s.logger.Info("live session phase", "phase", s.machine.Phase().String(), "flushed", len(toUpstream))
		s.metrics.RecordPhase(s.machine.Phase().String())
	}

	switch dec.Action {
	case intercept.ActionForward, intercept.ActionRewrite:
		if err := s.enqueueBrowser(dec.Payload); err != nil {
			return true, err
		}
	case intercept.ActionDrop:
		s.dropEvent("upstream", "intercepted")
	}
	return false, nil
}

func (s *Session) dropEvent(direction, reason string) {
	s.droppedEvents.Add(1)
	s.metrics.RecordDrop(direction, reason)
}

// outcomeLabel turns a close reason into a bounded metric label.
func outcomeLabel(reason string) string {
	if reason == "" {
		return "closed"
	}
	return strings.ReplaceAll(reason, " ", "_")
}

func (s *Session) logEvent(direction string, ev protocol.Event, phase intercept.Phase, dec intercept.Decision) {
	s.metrics.RecordEvent(direction, dec.Action.String())
	if !s.logger.Enabled(s.ctx, slog.LevelDebug) {
		return
	}
	s.logger.Debug("live event",
		"direction", direction,
		"event_type", ev.Type,
		"event_id", ev.EventID,
		"phase", phase.String(),
		"action", dec.Action.String(),
		"reason", dec.Reason,
	)
}

func (s *Session) sendError(code, message, eventID string) error {
	return s.sendJSONPriority(protocol.NewError(code, message, eventID))
}

func (s *Session) sendWarning(code, message string) error {
	return s.sendJSONPriority(protocol.NewWarning(code, message))
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(s.browserPriority, outboundFrame{textPayload: payload})
}

// enqueueUpstream and enqueueBrowser block while the lane is full: relayed
// events are never dropped to make room.
func (s *Session) enqueueUpstream(payload []byte) error {
	return s.enqueueNormal(s.upstreamNormal, payload)
}

func (s *Session) enqueueBrowser(payload []byte) error {
	return s.enqueueNormal(s.browserNormal, payload)
}

func (s *Session) enqueueNormal(ch chan outboundFrame, payload []byte) error {
	select {
	case ch <- outboundFrame{textPayload: payload}:
		return nil
	case <-s.ctx.Done():
		return nil
	}
}

func (s *Session) enqueuePriority(ch chan outboundFrame, frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case ch <- frame:
			return nil
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	select {
	case ch <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) setClose(code int, reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closeCode = code
	s.closeReason = reason
}

func (s *Session) closeState() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *Session) browserCloseMessage() []byte {
	code, reason := s.closeState()
	return websocket.FormatCloseMessage(code, reason)
}

func readLoop(ctx context.Context, conn *websocket.Conn, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func waitWriters(wg *sync.WaitGroup, writeTimeout time.Duration) {
	wait := 200 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < wait {
		wait = writeTimeout
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.sessionID
}

// Cancel ends the session with a going-away close, as during shutdown.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.setClose(websocket.CloseGoingAway, "relay shutting down")
	s.cancel()
}

func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}
