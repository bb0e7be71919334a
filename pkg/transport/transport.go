// Package transport implements message-envelope framing,
// handshake, registration, outbound queueing during disconnect,
// reconnection with exponential backoff, and inbound command dispatch.
package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aivorynet/agent-go/internal/logging"
	"github.com/aivorynet/agent-go/internal/telemetry"
	"github.com/aivorynet/agent-go/pkg/transport/frame"
)

const (
	connectTimeout  = 10 * time.Second
	maxQueueLen     = 100
	inboxCapacity   = 256
	websocketVer    = "13"
)

// BreakpointDispatcher is the narrow interface Transport needs from
// pkg/breakpoint.Registry to route set_breakpoint/remove_breakpoint
// commands, kept here (rather than importing pkg/breakpoint) to avoid
// a dependency cycle — pkg/breakpoint depends on Transport's
// Sender-shaped methods, not the other way around.
type BreakpointDispatcher interface {
	HandleCommand(command string, payload map[string]interface{})
}

// Config configures a Transport instance.
type Config struct {
	URL                  string
	APIKey               string
	Environment          string
	ApplicationName      string
	Hostname             string
	AgentID              string
	RuntimeVersion       string
	AgentVersion         string
	Debug                bool
	MaxReconnectAttempts int
}

// Transport owns the socket, outbound queue, and reconnection state
// outright.
type Transport struct {
	cfg Config

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	authenticated bool
	agentID       string
	reconnectN    int
	maxReconnectN int
	latched       bool
	queue         *outboundQueue

	inbox     chan Envelope
	done      chan struct{}
	closeOnce sync.Once

	breakpoints BreakpointDispatcher
	telemetry   *telemetry.Collectors
}

// New builds a Transport. bp receives set_breakpoint/remove_breakpoint
// commands; tel records internal metrics.
func New(cfg Config, bp BreakpointDispatcher, tel *telemetry.Collectors) *Transport {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	return &Transport{
		cfg:           cfg,
		agentID:       cfg.AgentID,
		maxReconnectN: cfg.MaxReconnectAttempts,
		queue:         newOutboundQueue(maxQueueLen),
		inbox:         make(chan Envelope, inboxCapacity),
		done:          make(chan struct{}),
		breakpoints:   bp,
		telemetry:     tel,
	}
}

// SetBreakpointDispatcher wires the breakpoint registry after
// construction. Transport and pkg/breakpoint.Registry depend on each
// other (the registry needs Transport as its Sender), so the agent
// façade builds Transport first with a nil dispatcher and wires the
// registry in once both exist.
func (t *Transport) SetBreakpointDispatcher(bp BreakpointDispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakpoints = bp
}

// AgentID returns the current agent id, which may have been renamed
// by the collector's "registered" reply.
func (t *Transport) AgentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agentID
}

// IsConnected reports whether the socket is both connected and
// authenticated.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.authenticated
}

// IsLatched reports whether reconnection has been permanently
// disabled by an authentication failure.
func (t *Transport) IsLatched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latched
}

// PendingCount reports how many envelopes are queued waiting for the
// collector to acknowledge registration, used by Agent.Shutdown to
// give the queue a bounded grace period to drain before closing.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.len()
}

// Run drives the connect/handshake/read loop with exponential
// backoff until ctx is done, Shutdown is called, or the collector
// latches authentication failure. Intended to run in its own
// goroutine.
func (t *Transport) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		if t.IsLatched() {
			return
		}

		if err := t.connectOnce(ctx); err != nil {
			attempt := t.bumpReconnect()
			if attempt > t.cfg.MaxReconnectAttempts {
				logging.WithComponent("transport").Info().Msg("max reconnect attempts reached")
				return
			}

			t.telemetry.ReconnectAttempts.Inc()
			delay := nextReconnectDelay(attempt)
			logging.Debugf("transport", fmt.Sprintf("connect failed, retrying in %s", delay), err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
			continue
		}

		t.resetReconnect()
		t.readPump(ctx) // blocks until the connection drops
	}
}

func (t *Transport) bumpReconnect() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnectN++
	return t.reconnectN
}

func (t *Transport) resetReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnectN = 0
}

// connectOnce performs one dial+handshake+register attempt.
func (t *Transport) connectOnce(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("transport: invalid backend url: %w", newTransportError(KindTransportConnect, err))
	}

	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "wss" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return fmt.Errorf("transport: dial: %w", newTransportError(KindTransportConnect, err))
	}

	if u.Scheme == "wss" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: u.Hostname()})
		tlsConn.SetDeadline(time.Now().Add(connectTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("transport: tls handshake: %w", newTransportError(KindTransportConnect, err))
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	reader := bufio.NewReader(conn)
	if err := t.upgrade(conn, reader, u); err != nil {
		conn.Close()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.sendRegister()

	return nil
}

// upgrade writes the HTTP/1.1 upgrade request and reads back the
// status line. It reuses net/http only to build and
// parse the request/response, not to perform the upgrade.
func (t *Transport) upgrade(conn net.Conn, reader *bufio.Reader, u *url.URL) error {
	req, err := http.NewRequest(http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: build upgrade request: %w", newTransportError(KindTransportHandshake, err))
	}

	key, err := randomWebSocketKey()
	if err != nil {
		return fmt.Errorf("transport: generate handshake key: %w", newTransportError(KindTransportHandshake, err))
	}

	req.Header.Set("Host", u.Host)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", websocketVer)
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	conn.SetDeadline(time.Now().Add(connectTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := req.Write(conn); err != nil {
		return fmt.Errorf("transport: write upgrade request: %w", newTransportError(KindTransportHandshake, err))
	}

	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return fmt.Errorf("transport: read upgrade response: %w", newTransportError(KindTransportHandshake, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		rejected := fmt.Errorf("status %d", resp.StatusCode)
		return fmt.Errorf("transport: handshake rejected: %w", newTransportError(KindTransportHandshake, rejected))
	}

	return nil
}

func randomWebSocketKey() (string, error) {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// sendRegister sends the register envelope directly, bypassing the
// authenticated gate: registration is the
// one envelope sent before authenticated=true.
func (t *Transport) sendRegister() {
	payload := map[string]interface{}{
		"api_key":       t.cfg.APIKey,
		"agent_id":      t.AgentID(),
		"hostname":      t.cfg.Hostname,
		"environment":   t.cfg.Environment,
		"runtime":       "go",
		"runtime_version": t.cfg.RuntimeVersion,
		"agent_version": t.cfg.AgentVersion,
	}
	if t.cfg.ApplicationName != "" {
		payload["application_name"] = t.cfg.ApplicationName
	}

	env := Envelope{Type: TypeRegister, Payload: payload, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(env)
	if err != nil {
		logging.WithComponent("transport").Debug().Err(newTransportError(KindSerialize, err)).Msg("marshal register envelope")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeFrameLocked(data); err != nil {
		logging.WithComponent("transport").Debug().Err(err).Msg("write register envelope")
	}
}

// writeFrameLocked must be called with t.mu held.
func (t *Transport) writeFrameLocked(data []byte) error {
	if t.conn == nil {
		return newTransportError(KindTransportWrite, errors.New("no connection"))
	}
	encoded, err := frame.Encode(data)
	if err != nil {
		return newTransportError(KindSerialize, err)
	}
	if _, err := t.conn.Write(encoded); err != nil {
		return newTransportError(KindTransportWrite, err)
	}
	return nil
}

// Send wraps payload into an envelope and either writes it directly
// (when authenticated) or queues it (bounded, drop-oldest, while the
// collector hasn't acknowledged registration yet).
func (t *Transport) Send(msgType string, payload interface{}) {
	env := Envelope{Type: msgType, Payload: payload, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(env)
	if err != nil {
		logging.WithComponent("transport").Debug().Err(newTransportError(KindSerialize, err)).Msg("marshal envelope")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.authenticated {
		if err := t.writeFrameLocked(data); err != nil {
			logging.WithComponent("transport").Debug().Err(err).Msg("write envelope, marking disconnected")
			t.connected = false
			t.authenticated = false
			return
		}
		return
	}

	t.queue.push(data)
	if t.telemetry != nil {
		t.telemetry.OutboundQueueDepth.Set(float64(t.queue.len()))
	}
}

// SendException wraps an exception payload with agent_id, environment,
// and hostname.
func (t *Transport) SendException(payload map[string]interface{}) {
	payload["agent_id"] = t.AgentID()
	payload["environment"] = t.cfg.Environment
	payload["hostname"] = t.cfg.Hostname
	t.Send(TypeException, payload)
}

// SendSnapshot wraps a snapshot payload with agent_id.
func (t *Transport) SendSnapshot(payload map[string]interface{}) {
	payload["agent_id"] = t.AgentID()
	t.Send(TypeSnapshot, payload)
}

// SendBreakpointHit implements pkg/breakpoint.Sender.
func (t *Transport) SendBreakpointHit(breakpointID string, payload map[string]interface{}) {
	payload["agent_id"] = t.AgentID()
	payload["breakpoint_id"] = breakpointID
	t.Send(TypeBreakpoint, payload)
	if t.telemetry != nil {
		t.telemetry.BreakpointHits.Inc()
	}
}

// Heartbeat emits {timestamp, agent_id, metrics:{memory_mb,
// peak_memory_mb}}. Cadence is the host's
// responsibility (Design Note (c)).
func (t *Transport) Heartbeat() {
	var memoryMB, peakMB float64
	if t.telemetry != nil {
		memoryMB, peakMB = t.telemetry.SampleMemory()
	}
	payload := map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
		"agent_id":  t.AgentID(),
		"metrics": map[string]interface{}{
			"memory_mb":      memoryMB,
			"peak_memory_mb": peakMB,
		},
	}
	t.Send(TypeHeartbeat, payload)
}

// readPump owns the socket's read side and decodes frames into the
// inbound channel until the connection drops.
func (t *Transport) readPump(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			t.markDisconnected()
			return
		case <-t.done:
			t.markDisconnected()
			return
		default:
		}

		payload, err := frame.Decode(reader)
		if err != nil {
			logging.WithComponent("transport").Debug().Err(newTransportError(KindTransportRead, err)).Msg("frame decode failed")
			t.markDisconnected()
			return
		}
		if payload == nil {
			continue // control frame (ping/pong/close) — ignored
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			logging.WithComponent("transport").Debug().Err(newTransportError(KindSerialize, err)).Msg("decode inbound envelope")
			continue
		}

		select {
		case t.inbox <- env:
		default:
			logging.WithComponent("transport").Debug().Msg("inbox full, dropping inbound envelope")
		}
	}
}

func (t *Transport) markDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.authenticated = false
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// ProcessMessages drains at most one inbound envelope and dispatches
// it — a host-paced, non-blocking inbound path.
func (t *Transport) ProcessMessages() {
	select {
	case env, ok := <-t.inbox:
		if !ok {
			return
		}
		t.dispatch(env)
	default:
	}
}

func (t *Transport) dispatch(env Envelope) {
	switch env.Type {
	case TypeRegistered:
		t.handleRegistered(env.Payload)
	case TypeError:
		t.handleError(env.Payload)
	case TypeSetBreakpoint:
		t.dispatchBreakpointCommand("set", env.Payload)
	case TypeRemoveBreakpoint:
		t.dispatchBreakpointCommand("remove", env.Payload)
	default:
		logging.WithComponent("transport").Debug().Str("type", env.Type).Msg("unhandled inbound message type")
	}
}

func (t *Transport) handleRegistered(payload interface{}) {
	m, _ := payload.(map[string]interface{})

	t.mu.Lock()
	if id, ok := m["agent_id"].(string); ok && id != "" {
		t.agentID = id
	}
	t.authenticated = true
	queued := t.queue.drain()
	conn := t.conn
	t.mu.Unlock()

	if t.telemetry != nil {
		t.telemetry.OutboundQueueDepth.Set(0)
	}

	for _, data := range queued {
		encoded, err := frame.Encode(data)
		if err != nil {
			continue
		}
		if conn == nil {
			break
		}
		if _, err := conn.Write(encoded); err != nil {
			logging.WithComponent("transport").Debug().Err(newTransportError(KindTransportWrite, err)).Msg("flush queued envelope")
			break
		}
	}
}

func (t *Transport) handleError(payload interface{}) {
	var errPayload ErrorPayload
	if raw, err := json.Marshal(payload); err == nil {
		json.Unmarshal(raw, &errPayload)
	}

	logging.WithComponent("transport").Info().Str("code", errPayload.Code).Str("message", errPayload.Message).Msg("backend error")

	if errPayload.Code == codeAuthError || errPayload.Code == codeInvalidAPIKey {
		logging.WithComponent("transport").Error().Err(newTransportError(KindTransportAuth, errors.New(errPayload.Message))).Msg("authentication latched")
		t.mu.Lock()
		t.latched = true
		t.mu.Unlock()
		t.Shutdown()
	}
}

func (t *Transport) dispatchBreakpointCommand(command string, payload interface{}) {
	if t.breakpoints == nil {
		return
	}
	m, ok := payload.(map[string]interface{})
	if !ok {
		return
	}
	t.breakpoints.HandleCommand(command, m)
}

// Shutdown closes the socket and stops Run. Cooperative: in-flight
// frames are discarded.
func (t *Transport) Shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	t.authenticated = false
}
