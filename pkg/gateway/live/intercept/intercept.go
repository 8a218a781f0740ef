// Package intercept holds the per-connection phase machine that decides what
// happens to each realtime event crossing the relay.
//
// A connection moves through four phases:
//
//	connecting    upstream dial in flight; client events are held
//	initializing  enforced session.update sent, waiting for session.updated
//	ready         transparent relay; client session.update is rewritten
//	closed        everything is dropped
//
// The Machine does no I/O. Callers feed it decoded events and write the
// payloads it hands back, in order. It is not safe for concurrent use.
package intercept

import (
	"errors"
	"fmt"

	"github.com/vango-go/realtime-relay/pkg/gateway/live/protocol"
)

var (
	ErrClosed         = errors.New("intercept: machine closed")
	ErrQueueFull      = errors.New("intercept: queue full")
	ErrConfigRejected = errors.New("intercept: upstream rejected session config")
)

type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type Action int

const (
	ActionForward Action = iota
	ActionQueue
	ActionDrop
	ActionRewrite
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionQueue:
		return "queue"
	case ActionDrop:
		return "drop"
	case ActionRewrite:
		return "rewrite"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the verdict for one event. Payload is set for forward and
// rewrite and is what must be written to the other side.
type Decision struct {
	Action  Action
	Payload []byte
	Reason  string
}

type Options struct {
	Session protocol.SessionConfig

	GreetingEnabled      bool
	GreetingInstructions string

	// MaxQueued bounds each of the two queues. Zero means 256.
	MaxQueued int

	// SessionUpdateID and GreetingID are the event ids the relay stamps on
	// its own session.update and response.create.
	SessionUpdateID string
	GreetingID      string
}

type Machine struct {
	opts  Options
	phase Phase

	pending [][]byte
	initQ   [][]byte

	greeted bool
}

func New(opts Options) *Machine {
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = 256
	}
	return &Machine{opts: opts, phase: PhaseConnecting}
}

func (m *Machine) Phase() Phase {
	return m.phase
}

func (m *Machine) SessionUpdateID() string {
	return m.opts.SessionUpdateID
}

// Connected moves connecting -> initializing. The returned frames go to the
// upstream in order: the enforced session.update first, then every client
// event held while the dial was in flight.
func (m *Machine) Connected() ([][]byte, error) {
	switch m.phase {
	case PhaseConnecting:
	case PhaseClosed:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("intercept: Connected called in phase %s", m.phase)
	}

	update, err := protocol.NewSessionUpdate(m.opts.Session, m.opts.SessionUpdateID)
	if err != nil {
		return nil, fmt.Errorf("build session.update: %w", err)
	}

	out := make([][]byte, 0, 1+len(m.pending))
	out = append(out, update)
	out = append(out, m.pending...)
	m.pending = nil
	m.phase = PhaseInitializing
	return out, nil
}

// FromClient decides what happens to a browser event. A queue decision
// means the machine kept the payload; it is released by Connected or by the
// session.updated that makes the connection ready.
func (m *Machine) FromClient(ev protocol.Event) (Decision, error) {
	switch m.phase {
	case PhaseClosed:
		return Decision{Action: ActionDrop, Reason: "closed"}, nil

	case PhaseConnecting:
		if ev.Type == protocol.TypeSessionUpdate {
			return Decision{Action: ActionDrop, Reason: "session config is server-controlled"}, nil
		}
		if err := m.enqueue(&m.pending, ev.Raw); err != nil {
			return Decision{Action: ActionDrop, Reason: "pending queue full"}, err
		}
		return Decision{Action: ActionQueue, Reason: "upstream not connected"}, nil

	case PhaseInitializing:
		switch ev.Type {
		case protocol.TypeSessionUpdate:
			return Decision{Action: ActionDrop, Reason: "session config is server-controlled"}, nil
		case protocol.TypeResponseCreate:
			if m.opts.GreetingEnabled {
				return Decision{Action: ActionDrop, Reason: "greeting owns the first response"}, nil
			}
		}
		if err := m.enqueue(&m.initQ, ev.Raw); err != nil {
			return Decision{Action: ActionDrop, Reason: "init queue full"}, err
		}
		return Decision{Action: ActionQueue, Reason: "session not confirmed"}, nil

	case PhaseReady:
		if ev.Type == protocol.TypeSessionUpdate {
			payload, err := protocol.EnforceSessionUpdate(ev, m.opts.Session)
			if err != nil {
				return Decision{Action: ActionDrop, Reason: "invalid session.update"}, err
			}
			return Decision{Action: ActionRewrite, Payload: payload, Reason: "enforce session config"}, nil
		}
		return Decision{Action: ActionForward, Payload: ev.Raw}, nil
	}
	return Decision{Action: ActionDrop, Reason: "unknown phase"}, nil
}

// FromUpstream decides what happens to a provider event. When the event
// completes initialization, toUpstream holds the greeting (if enabled)
// followed by the flushed init queue; the caller writes the decision payload
// to the browser and toUpstream to the provider.
//
// An upstream error that names the enforced session.update is forwarded and
// reported as ErrConfigRejected; the caller should end the session.
func (m *Machine) FromUpstream(ev protocol.Event) (dec Decision, toUpstream [][]byte, err error) {
	switch m.phase {
	case PhaseClosed:
		return Decision{Action: ActionDrop, Reason: "closed"}, nil, nil
	case PhaseConnecting:
		// Nothing can arrive before the dial completes; treat it as a bug in
		// the caller rather than guessing.
		return Decision{Action: ActionDrop, Reason: "not connected"}, nil, fmt.Errorf("intercept: upstream event %q before Connected", ev.Type)
	}

	dec = Decision{Action: ActionForward, Payload: ev.Raw}

	if m.phase != PhaseInitializing {
		return dec, nil, nil
	}

	switch ev.Type {
	case protocol.TypeError:
		if ev.ErrorEventID != "" && ev.ErrorEventID == m.opts.SessionUpdateID {
			dec.Reason = "session config rejected"
			return dec, nil, ErrConfigRejected
		}
	case protocol.TypeSessionUpdated:
		toUpstream, err = m.becomeReady()
		if err != nil {
			return dec, nil, err
		}
		dec.Reason = "session confirmed"
	}
	return dec, toUpstream, nil
}

func (m *Machine) becomeReady() ([][]byte, error) {
	out := make([][]byte, 0, 1+len(m.initQ))
	if m.opts.GreetingEnabled && !m.greeted {
		greeting, err := protocol.NewResponseCreate(m.opts.GreetingInstructions, m.opts.GreetingID)
		if err != nil {
			return nil, fmt.Errorf("build greeting: %w", err)
		}
		out = append(out, greeting)
		m.greeted = true
	}
	out = append(out, m.initQ...)
	m.initQ = nil
	m.phase = PhaseReady
	return out, nil
}

// Close drops both queues. Further events are dropped.
func (m *Machine) Close() {
	m.phase = PhaseClosed
	m.pending = nil
	m.initQ = nil
}

// Queued reports how many client events are held, per queue.
func (m *Machine) Queued() (pending, init int) {
	return len(m.pending), len(m.initQ)
}

func (m *Machine) enqueue(q *[][]byte, payload []byte) error {
	if len(*q) >= m.opts.MaxQueued {
		return ErrQueueFull
	}
	*q = append(*q, payload)
	return nil
}
