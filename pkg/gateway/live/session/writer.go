package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one text message. The realtime protocol is JSON only.
type outboundFrame struct {
	textPayload []byte
}

// outboundWriter is the only goroutine that writes to one socket. Relay
// frames (errors, warnings) go on priority; relayed events go on normal.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame

	// closeMessage builds the close frame sent when ctx ends. Nil sends a
	// normal closure.
	closeMessage func() []byte
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.shutdown(writeTimeout, pendingNormal)
				return nil
			default:
			}
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		var done <-chan struct{}
		if w.ctx != nil {
			done = w.ctx.Done()
		}

		select {
		case <-done:
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) shutdown(writeTimeout time.Duration, pending *outboundFrame) {
	w.flushOnShutdown(writeTimeout, pending)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if w.closeMessage != nil {
		if m := w.closeMessage(); m != nil {
			msg = m
		}
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

// flushOnShutdown writes what is already queued, priority first, within a
// short budget so the final relay error and trailing events reach the peer
// before the close frame.
func (w *outboundWriter) flushOnShutdown(writeTimeout time.Duration, pending *outboundFrame) {
	if w == nil || w.ws == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	drain := func(ch <-chan outboundFrame, maxFrames int) {
		if ch == nil {
			return
		}
		for i := 0; i < maxFrames && time.Now().Before(deadline); i++ {
			select {
			case frame, ok := <-ch:
				if !ok {
					return
				}
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return
				}
			default:
				return
			}
		}
	}
	drain(w.priority, 8)
	if pending != nil && time.Now().Before(deadline) {
		if err := w.writeFrame(*pending, writeTimeout); err != nil {
			return
		}
	}
	drain(w.normal, 64)
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.textPayload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
}
