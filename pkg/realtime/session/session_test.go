package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexushq/rectoc/pkg/core"
	"github.com/nexushq/rectoc/pkg/realtime/protocol"
	"github.com/nexushq/rectoc/pkg/realtime/token"
	"github.com/nexushq/rectoc/pkg/realtime/transport"
)

type fakeTransport struct {
	connectErr error
	// lingerOnClose models a transport whose read side winds down
	// asynchronously: Close returns without closing the frames channel,
	// leaving that to an explicit closeFrames.
	lingerOnClose bool

	mu     sync.Mutex
	token  string
	sent   [][]byte
	frames chan []byte
	errs   chan error
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, tok string) error {
	f.mu.Lock()
	f.token = tok
	f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }
func (f *fakeTransport) Errs() <-chan error    { return f.errs }

func (f *fakeTransport) Close() error {
	if f.lingerOnClose {
		return nil
	}
	f.closeFrames()
	return nil
}

func (f *fakeTransport) closeFrames() {
	f.once.Do(func() { close(f.frames) })
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func testConfig() protocol.SessionConfig {
	return protocol.SessionConfig{
		Modalities:   []string{"audio", "text"},
		Instructions: "You are a friendly interviewer.",
	}
}

func newTestController(ft *fakeTransport) *Controller {
	return NewController(
		token.StaticSource("sk-test"),
		func() transport.Transport { return ft },
		testConfig,
	)
}

func waitForMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestConnectSendsConfigFirst(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if got := c.Status(); got != StatusConnected {
		t.Fatalf("Status() = %v, want connected", got)
	}

	sent := ft.sentFrames()
	if len(sent) == 0 {
		t.Fatal("no frames sent")
	}
	var first struct {
		Type    string                 `json:"type"`
		Session protocol.SessionConfig `json:"session"`
	}
	if err := json.Unmarshal(sent[0], &first); err != nil {
		t.Fatalf("unmarshal first frame: %v", err)
	}
	if first.Type != "session.update" {
		t.Fatalf("first frame type = %q, want session.update", first.Type)
	}
	if first.Session.Instructions != "You are a friendly interviewer." {
		t.Fatalf("instructions = %q", first.Session.Instructions)
	}
}

func TestAssistantDeltasCoalesceIntoFinalMessage(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	msgs := make(chan Message, 16)
	c.OnMessage(func(m Message) { msgs <- m })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"Hel"}`)
	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"lo"}`)
	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r1","output":[]}}`)

	first := waitForMessage(t, msgs)
	if first.Role != RoleAssistant || first.Text != "Hel" || first.Final {
		t.Fatalf("first = %+v, want partial assistant Hel", first)
	}
	second := waitForMessage(t, msgs)
	if second.Text != "Hello" || second.Final {
		t.Fatalf("second = %+v, want partial Hello", second)
	}
	final := waitForMessage(t, msgs)
	if final.Text != "Hello" || !final.Final {
		t.Fatalf("final = %+v, want final Hello", final)
	}
	if first.ID != final.ID {
		t.Fatalf("message IDs diverged: %q vs %q", first.ID, final.ID)
	}
}

func TestAuthoritativeDoneTextReplacesDeltas(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	msgs := make(chan Message, 16)
	c.OnMessage(func(m Message) { msgs <- m })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"Hel"}`)
	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r1","output":[{"type":"message","content":[{"type":"audio","transcript":"Hello there"}]}]}}`)

	waitForMessage(t, msgs) // partial
	final := waitForMessage(t, msgs)
	if final.Text != "Hello there" || !final.Final {
		t.Fatalf("final = %+v, want authoritative text", final)
	}
}

func TestUndecodableFrameIsDropped(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	msgs := make(chan Message, 16)
	c.OnMessage(func(m Message) { msgs <- m })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	ft.frames <- []byte(`{not json`)
	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"still here"}`)

	msg := waitForMessage(t, msgs)
	if msg.Text != "still here" {
		t.Fatalf("Text = %q, want still here", msg.Text)
	}
	if got := c.Status(); got != StatusConnected {
		t.Fatalf("Status() after bad frame = %v, want connected", got)
	}
}

func TestConnectFailureLeavesSessionDisconnected(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.connectErr = core.NewMediaAcquisitionError("microphone permission denied", nil)
	c := newTestController(ft)

	err := c.Connect(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Kind != core.ErrMediaAcquisition {
		t.Fatalf("Connect() error = %v, want ErrMediaAcquisition", err)
	}
	if got := c.Status(); got != StatusDisconnected {
		t.Fatalf("Status() = %v, want disconnected", got)
	}
	if c.Err() == "" {
		t.Fatal("Err() is empty, want failure recorded")
	}
}

func TestSendMessageWhenDisconnectedIsNoOp(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	if err := c.SendMessage("hello?"); err != nil {
		t.Fatalf("SendMessage() error = %v, want nil no-op", err)
	}
	if got := len(ft.sentFrames()); got != 0 {
		t.Fatalf("sent %d frames, want 0", got)
	}
}

func TestSendMessageEchoesUserText(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	msgs := make(chan Message, 16)
	c.OnMessage(func(m Message) { msgs <- m })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if err := c.SendMessage("I have five years of experience"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	echo := waitForMessage(t, msgs)
	if echo.Role != RoleUser || echo.Text != "I have five years of experience" || !echo.Final {
		t.Fatalf("echo = %+v, want final user message", echo)
	}

	// Config frame, then item create, then response create.
	sent := ft.sentFrames()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	var item struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(sent[1], &item); err != nil || item.Type != "conversation.item.create" {
		t.Fatalf("second frame = %s, want conversation.item.create", sent[1])
	}
	if err := json.Unmarshal(sent[2], &item); err != nil || item.Type != "response.create" {
		t.Fatalf("third frame = %s, want response.create", sent[2])
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Disconnect()
	c.Disconnect()
	if got := c.Status(); got != StatusDisconnected {
		t.Fatalf("Status() = %v, want disconnected", got)
	}
}

func TestReconnectSurvivesStaleTransportClose(t *testing.T) {
	t.Parallel()

	first := newFakeTransport()
	first.lingerOnClose = true
	second := newFakeTransport()
	transports := []*fakeTransport{first, second}
	var built int
	c := NewController(
		token.StaticSource("sk-test"),
		func() transport.Transport {
			tr := transports[built]
			built++
			return tr
		},
		testConfig,
	)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	defer c.Disconnect()

	// The first transport's read loop winds down only now, after the
	// replacement session is already live.
	first.closeFrames()
	time.Sleep(100 * time.Millisecond)

	if got := c.Status(); got != StatusConnected {
		t.Fatalf("Status() after stale teardown = %v, want connected", got)
	}
	if err := c.SendMessage("still speaking"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	// Config frame plus the item create and response create pair.
	if got := len(second.sentFrames()); got != 3 {
		t.Fatalf("live transport sent %d frames, want 3", got)
	}
}

func TestStaleTransportErrorDoesNotClobberSession(t *testing.T) {
	t.Parallel()

	first := newFakeTransport()
	first.lingerOnClose = true
	second := newFakeTransport()
	transports := []*fakeTransport{first, second}
	var built int
	c := NewController(
		token.StaticSource("sk-test"),
		func() transport.Transport {
			tr := transports[built]
			built++
			return tr
		},
		testConfig,
	)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	defer c.Disconnect()

	first.errs <- errors.New("read deadline exceeded")
	time.Sleep(100 * time.Millisecond)

	if got := c.Status(); got != StatusConnected {
		t.Fatalf("Status() after stale error = %v, want connected", got)
	}
	if got := c.Err(); got != "" {
		t.Fatalf("Err() = %q, want empty", got)
	}
}

func TestDisconnectClearsPendingResponses(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	msgs := make(chan Message, 16)
	c.OnMessage(func(m Message) { msgs <- m })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"Hel"}`)
	waitForMessage(t, msgs)

	c.Disconnect()

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending responses after disconnect = %d, want 0", n)
	}
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	t.Parallel()

	var built int
	ft := newFakeTransport()
	c := NewController(
		token.StaticSource("sk-test"),
		func() transport.Transport {
			built++
			return ft
		},
		testConfig,
	)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if built != 1 {
		t.Fatalf("built %d transports, want 1", built)
	}
}

func TestRemoteErrorSetsSessionError(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	errCh := make(chan string, 4)
	c.OnError(func(msg string) {
		if msg != "" {
			errCh <- msg
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	ft.frames <- []byte(`{"type":"error","error":{"code":"rate_limit","message":"slow down"}}`)

	select {
	case msg := <-errCh:
		if msg != "slow down" {
			t.Fatalf("error = %q, want slow down", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestFunctionCallEventsReachSubscribers(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	calls := make(chan protocol.FunctionCallEvent, 4)
	c.OnEvent(func(ev protocol.ServerEvent) {
		if fc, ok := ev.(protocol.FunctionCallEvent); ok {
			calls <- fc
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	ft.frames <- []byte(`{"type":"response.done","response":{"id":"r1","output":[{"type":"function_call","name":"updateInterviewProgress","call_id":"call_1","arguments":"{\"stage\":\"skills\"}"}]}}`)

	select {
	case fc := <-calls:
		if fc.Name != "updateInterviewProgress" || fc.CallID != "call_1" {
			t.Fatalf("call = %+v", fc)
		}
		if fc.Args["stage"] != "skills" {
			t.Fatalf("Args = %v, want stage=skills", fc.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for function call")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := newTestController(ft)

	var mu sync.Mutex
	var got []Message
	unsub := c.OnMessage(func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	ft.frames <- []byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"ignored"}`)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Fatalf("received %d messages after unsubscribe, want 0", len(got))
	}
}
