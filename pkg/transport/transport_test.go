package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/aivorynet/agent-go/internal/telemetry"
	"github.com/aivorynet/agent-go/pkg/transport/frame"
)

// decodeFrame is a thin alias so the server-side test helpers read
// like the client's own frame.Decode calls.
func decodeFrame(r *bufio.Reader) ([]byte, error) {
	return frame.Decode(r)
}

// encodeUnmasked builds a single unmasked text frame, the form the
// real backend is allowed to send per the frame codec's rules
// (server-to-client frames need not be masked).
func encodeUnmasked(payload []byte) ([]byte, error) {
	out := make([]byte, 0, len(payload)+10)
	out = append(out, 0x81) // FIN + text opcode

	n := len(payload)
	switch {
	case n <= 125:
		out = append(out, byte(n))
	case n <= 0xFFFF:
		out = append(out, 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		out = append(out, ext[:]...)
	default:
		out = append(out, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		out = append(out, ext[:]...)
	}

	out = append(out, payload...)
	return out, nil
}

func TestNextReconnectDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},  // 1000*2^6 = 64000, capped to 60000
		{100, 60 * time.Second},
	}
	for _, c := range cases {
		got := nextReconnectDelay(c.attempt)
		if got != c.want {
			t.Errorf("nextReconnectDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestOutboundQueueDropsOldestOnOverflow(t *testing.T) {
	q := newOutboundQueue(2)
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c")) // should drop "a"

	got := q.drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 items after overflow, got %d", len(got))
	}
	if string(got[0]) != "b" || string(got[1]) != "c" {
		t.Fatalf("expected [b c], got %q", got)
	}
	if q.len() != 0 {
		t.Fatalf("expected empty queue after drain, got len %d", q.len())
	}
}

// fakeServer accepts exactly one connection, performs the HTTP/1.1
// upgrade handshake, and hands the raw conn plus a buffered reader
// back to the test for frame-level exchange.
func fakeServer(t *testing.T, ln net.Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		t.Fatalf("read upgrade request: %v", err)
	}
	if req.Header.Get("Upgrade") != "websocket" {
		t.Fatalf("expected Upgrade: websocket header, got %q", req.Header.Get("Upgrade"))
	}
	if req.Header.Get("Authorization") == "" {
		t.Fatalf("expected Authorization header on handshake request")
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	if _, err := conn.Write([]byte(resp)); err != nil {
		t.Fatalf("write handshake response: %v", err)
	}
	return conn, reader
}

func TestTransportHandshakeRegisterAuthenticateAndSend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	var registerEnvelope Envelope
	var exceptionEnvelope Envelope

	go func() {
		defer close(serverDone)
		conn, reader := fakeServer(t, ln)
		defer conn.Close()

		registerFrame, err := decodeFrame(reader)
		if err != nil {
			t.Errorf("decode register frame: %v", err)
			return
		}
		if err := json.Unmarshal(registerFrame, &registerEnvelope); err != nil {
			t.Errorf("unmarshal register envelope: %v", err)
			return
		}

		registered := Envelope{
			Type:      TypeRegistered,
			Payload:   map[string]interface{}{"agent_id": "srv-assigned-id"},
			Timestamp: 0,
		}
		data, _ := json.Marshal(registered)
		encoded, err := encodeUnmasked(data)
		if err != nil {
			t.Errorf("encode registered frame: %v", err)
			return
		}
		if _, err := conn.Write(encoded); err != nil {
			t.Errorf("write registered frame: %v", err)
			return
		}

		excFrame, err := decodeFrame(reader)
		if err != nil {
			t.Errorf("decode exception frame: %v", err)
			return
		}
		if err := json.Unmarshal(excFrame, &exceptionEnvelope); err != nil {
			t.Errorf("unmarshal exception envelope: %v", err)
			return
		}
	}()

	cfg := Config{
		URL:                  "ws://" + ln.Addr().String() + "/",
		APIKey:               "test-key",
		Environment:          "test",
		MaxReconnectAttempts: 3,
	}
	tp := New(cfg, nil, telemetry.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tp.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tp.ProcessMessages()
		if tp.IsConnected() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !tp.IsConnected() {
		t.Fatal("transport never became connected+authenticated")
	}
	if tp.AgentID() != "srv-assigned-id" {
		t.Fatalf("expected agent id to be renamed by registered reply, got %q", tp.AgentID())
	}

	tp.SendException(map[string]interface{}{"message": "boom"})

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine never completed")
	}

	if registerEnvelope.Type != TypeRegister {
		t.Fatalf("expected register envelope, got type %q", registerEnvelope.Type)
	}
	if exceptionEnvelope.Type != TypeException {
		t.Fatalf("expected exception envelope, got type %q", exceptionEnvelope.Type)
	}
	payload, ok := exceptionEnvelope.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("expected exception payload to be a map, got %T", exceptionEnvelope.Payload)
	}
	if payload["agent_id"] != "srv-assigned-id" {
		t.Fatalf("expected exception payload to carry the renamed agent_id, got %v", payload["agent_id"])
	}

	tp.Shutdown()
}

func TestTransportLatchesOnAuthError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, _ := fakeServer(t, ln)
		defer conn.Close()

		errEnvelope := Envelope{
			Type:    TypeError,
			Payload: map[string]interface{}{"code": codeInvalidAPIKey, "message": "bad key"},
		}
		data, _ := json.Marshal(errEnvelope)
		encoded, err := encodeUnmasked(data)
		if err != nil {
			return
		}
		conn.Write(encoded)
	}()

	cfg := Config{
		URL:                  "ws://" + ln.Addr().String() + "/",
		APIKey:               "bad-key",
		MaxReconnectAttempts: 3,
	}
	tp := New(cfg, nil, telemetry.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tp.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tp.ProcessMessages()
		if tp.IsLatched() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !tp.IsLatched() {
		t.Fatal("expected transport to latch after auth_error/invalid_api_key")
	}
}
