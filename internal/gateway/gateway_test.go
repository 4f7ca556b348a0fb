package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/talkdojo/transcribe-gateway/internal/auth"
	"github.com/talkdojo/transcribe-gateway/internal/bridge"
	"github.com/talkdojo/transcribe-gateway/internal/directory"
	"github.com/talkdojo/transcribe-gateway/internal/transcribe/mock"
)

const waitTimeout = 2 * time.Second

type fakeAuth struct {
	mu     sync.Mutex
	claims auth.Claims
	err    error
	tokens []string
}

func (f *fakeAuth) Authenticate(_ context.Context, token string) (auth.Claims, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	if token == "" {
		return auth.Claims{}, auth.ErrNoToken
	}
	if f.err != nil {
		return auth.Claims{}, f.err
	}
	return f.claims, nil
}

type fixture struct {
	srv      *httptest.Server
	streamer *mock.Streamer
	store    *directory.Memory
	bridge   *bridge.Bridge
	authn    *fakeAuth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	streamer := mock.NewStreamer()
	b := bridge.New(streamer, bridge.Options{
		DefaultLanguage: "ja-JP",
		SampleRateHz:    16000,
		Encoding:        "pcm",
		PollInterval:    5 * time.Millisecond,
	}, zerolog.Nop())
	store := directory.NewMemory()
	authn := &fakeAuth{claims: auth.Claims{
		Subject:  "user-1",
		Email:    "user@example.com",
		Username: "user-one",
	}}
	g := New(authn, store, b, Options{
		DefaultLanguage: "ja-JP",
		RecordTTL:       time.Hour,
	}, zerolog.Nop())
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, streamer: streamer, store: store, bridge: b, authn: authn}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

func rawString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode %q as string: %v", raw, err)
	}
	return s
}

func sendAudioFrame(t *testing.T, conn *websocket.Conn, audio []byte) {
	t.Helper()
	msg := clientMessage{Action: actionSendAudio, Audio: base64.StdEncoding.EncodeToString(audio)}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write audio frame: %v", err)
	}
}

// connect dials, consumes the connected frame, and returns the
// connection id.
func (f *fixture) connect(t *testing.T, query string) (*websocket.Conn, string) {
	t.Helper()
	conn := f.dial(t, query)
	frame := readFrame(t, conn)
	raw, ok := frame["connectionId"]
	if !ok {
		t.Fatalf("first frame %v missing connectionId", frame)
	}
	return conn, rawString(t, raw)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial without token succeeded, want 401")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401", resp)
	}
	if n := f.store.Len(); n != 0 {
		t.Errorf("directory has %d records after rejected connect, want 0", n)
	}
}

func TestGateway_RejectsInvalidToken(t *testing.T) {
	f := newFixture(t)
	f.authn.err = auth.ErrInvalid

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial with invalid token succeeded, want 401")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestGateway_AcceptsAuthorizationHeader(t *testing.T) {
	f := newFixture(t)

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	hdr := map[string][]string{"Authorization": {"Bearer header-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(u, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f.authn.mu.Lock()
	tokens := append([]string(nil), f.authn.tokens...)
	f.authn.mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "header-token" {
		t.Errorf("tokens seen = %v, want [header-token]", tokens)
	}
}

func TestGateway_ConnectWritesRecord(t *testing.T) {
	f := newFixture(t)

	conn, connID := f.connect(t, "token=tok&sessionId=sess-9&languageCode=en")
	defer conn.Close()
	if connID == "" {
		t.Fatal("empty connection id")
	}

	rec, err := f.store.Get(context.Background(), connID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", rec.UserID)
	}
	if rec.SessionID != "sess-9" {
		t.Errorf("SessionID = %q, want sess-9", rec.SessionID)
	}
	if rec.LanguageCode != "en-US" {
		t.Errorf("LanguageCode = %q, want en-US", rec.LanguageCode)
	}
	if rec.Email != "user@example.com" || rec.Username != "user-one" {
		t.Errorf("identity = %q/%q, want user@example.com/user-one", rec.Email, rec.Username)
	}
	if !rec.ExpiresAt.After(rec.CreatedAt) {
		t.Errorf("ExpiresAt %v not after CreatedAt %v", rec.ExpiresAt, rec.CreatedAt)
	}
}

func TestGateway_AudioReachesBackendInOrder(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, "token=tok")

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, c := range chunks {
		sendAudioFrame(t, conn, c)
		frame := readFrame(t, conn)
		if _, ok := frame["voiceActivity"]; !ok {
			t.Fatalf("expected voice activity ack, got %v", frame)
		}
	}

	if n := f.streamer.StartCount(); n != 1 {
		t.Fatalf("StartCount = %d, want 1 lazily started session", n)
	}
	st := f.streamer.Last()
	if !st.WaitChunks(3, waitTimeout) {
		t.Fatalf("backend received %d chunks, want 3", len(st.Chunks()))
	}
	for i, want := range chunks {
		if got := st.Chunks()[i]; string(got) != string(want) {
			t.Errorf("chunk[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestGateway_RelaysTranscripts(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, "token=tok")

	sendAudioFrame(t, conn, []byte("audio"))
	if frame := readFrame(t, conn); frame["voiceActivity"] == nil {
		t.Fatalf("expected voice activity ack, got %v", frame)
	}

	f.streamer.Last().Emit("hello world", true)

	frame := readFrame(t, conn)
	if got := rawString(t, frame["transcript"]); got != "hello world" {
		t.Errorf("transcript = %q, want hello world", got)
	}
	var isFinal bool
	if err := json.Unmarshal(frame["isFinal"], &isFinal); err != nil || !isFinal {
		t.Errorf("isFinal = %s, want true", frame["isFinal"])
	}
	if frame := readFrame(t, conn); frame["voiceActivity"] == nil {
		t.Errorf("expected voice activity after transcript, got %v", frame)
	}
}

func TestGateway_InvalidAction(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, "token=tok")

	if err := conn.WriteJSON(clientMessage{Action: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if got := rawString(t, frame["error"]); got != "Invalid action" {
		t.Errorf("error = %q, want Invalid action", got)
	}
}

func TestGateway_BadAudioPayload(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, "token=tok")

	msg := clientMessage{Action: actionSendAudio, Audio: "%%%not-base64%%%"}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	var body errorBody
	if err := json.Unmarshal(frame["error"], &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != bridge.CodeProcessingError {
		t.Errorf("code = %q, want %q", body.Code, bridge.CodeProcessingError)
	}

	// the connection survives a bad payload
	sendAudioFrame(t, conn, []byte("good"))
	if frame := readFrame(t, conn); frame["voiceActivity"] == nil {
		t.Errorf("expected voice activity ack, got %v", frame)
	}
}

func TestGateway_DisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	conn, connID := f.connect(t, "token=tok")

	sendAudioFrame(t, conn, []byte("audio"))
	readFrame(t, conn)
	if !f.bridge.Active(connID) {
		t.Fatal("no live session after audio")
	}
	st := f.streamer.Last()

	conn.Close()

	waitFor(t, func() bool { return !f.bridge.Active(connID) })
	waitFor(t, func() bool {
		_, err := f.store.Get(context.Background(), connID)
		return errors.Is(err, directory.ErrNotFound)
	})
	if !st.WaitDone(waitTimeout) {
		t.Error("backend source not released after disconnect")
	}
}

func TestGateway_BackendFailureThenRecovery(t *testing.T) {
	f := newFixture(t)
	conn, connID := f.connect(t, "token=tok")

	sendAudioFrame(t, conn, []byte("first"))
	readFrame(t, conn)
	f.streamer.Last().Fail(errors.New("backend exploded"))

	frame := readFrame(t, conn)
	var body errorBody
	if err := json.Unmarshal(frame["error"], &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != bridge.CodeTranscribeError {
		t.Errorf("code = %q, want %q", body.Code, bridge.CodeTranscribeError)
	}
	waitFor(t, func() bool { return !f.bridge.Active(connID) })

	// the next chunk opens a fresh session
	sendAudioFrame(t, conn, []byte("second"))
	if frame := readFrame(t, conn); frame["voiceActivity"] == nil {
		t.Fatalf("expected voice activity ack, got %v", frame)
	}
	if n := f.streamer.StartCount(); n != 2 {
		t.Errorf("StartCount = %d, want 2", n)
	}
	if !f.streamer.Last().WaitChunks(1, waitTimeout) {
		t.Error("fresh session never received audio")
	}
}
