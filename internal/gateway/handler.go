// Package gateway is the client-facing edge of the service. It
// upgrades authenticated HTTP requests to WebSocket connections,
// routes client actions, and owns per-connection lifecycle.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/talkdojo/transcribe-gateway/internal/auth"
	"github.com/talkdojo/transcribe-gateway/internal/bridge"
	"github.com/talkdojo/transcribe-gateway/internal/directory"
	"github.com/talkdojo/transcribe-gateway/internal/observability"
	"github.com/talkdojo/transcribe-gateway/internal/transcribe"
)

// Authenticator validates bearer tokens for incoming connections.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Claims, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Options configures connection handling.
type Options struct {
	DefaultLanguage string
	RecordTTL       time.Duration
}

// Gateway accepts client connections and relays audio to the bridge.
type Gateway struct {
	authn  Authenticator
	store  directory.Store
	bridge *bridge.Bridge
	opts   Options
	logger zerolog.Logger
}

func New(authn Authenticator, store directory.Store, b *bridge.Bridge, opts Options, logger zerolog.Logger) *Gateway {
	return &Gateway{
		authn:  authn,
		store:  store,
		bridge: b,
		opts:   opts,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Handler authenticates the request and, on success, upgrades it and
// serves the connection until it closes. Authentication failures are
// rejected with 401 before any upgrade happens.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := g.authn.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			observability.RecordAuthFailure(authReason(err))
			g.logger.Warn().Err(err).
				Str("remote", r.RemoteAddr).
				Msg("rejected connection")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote an HTTP error to the client.
			g.logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		g.serve(conn, r, claims)
	}
}

// bearerToken extracts the token from the query string, falling back
// to the Authorization header. Browser WebSocket clients cannot set
// headers, so the query form is the primary one.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "no_token"
	case errors.Is(err, auth.ErrMalformed):
		return "malformed"
	case errors.Is(err, auth.ErrKeyNotFound):
		return "key_not_found"
	default:
		return "invalid"
	}
}

// client is one live WebSocket connection. Writes are serialized
// through writeMu because the bridge delivers events from its own
// goroutine.
type client struct {
	conn         *websocket.Conn
	connectionID string
	userID       string
	language     string
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu  sync.Mutex
	teardown sync.Once
}

func (c *client) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) SendTranscript(text string, isFinal bool) error {
	return c.send(transcriptEvent{Transcript: text, IsFinal: isFinal})
}

func (c *client) SendVoiceActivity() error {
	return c.send(voiceActivityEvent{VoiceActivity: true})
}

func (c *client) SendError(code, message string) error {
	return c.send(errorEvent{Error: errorBody{Code: code, Message: message}})
}

// serve runs the connection's read loop. It returns when the socket
// closes or delivery to the client fails.
func (g *Gateway) serve(conn *websocket.Conn, r *http.Request, claims auth.Claims) {
	connectionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:         conn,
		connectionID: connectionID,
		userID:       claims.Subject,
		language:     transcribe.NormalizeLanguage(r.URL.Query().Get("languageCode"), g.opts.DefaultLanguage),
		logger:       observability.WithConnection(connectionID),
		ctx:          ctx,
		cancel:       cancel,
	}

	observability.RecordConnectionStart()
	connectedAt := time.Now()
	defer func() {
		g.disconnect(c)
		observability.RecordConnectionEnd(time.Since(connectedAt).Seconds())
	}()

	g.register(c, r.URL.Query().Get("sessionId"), claims)

	if err := c.send(connectedEvent{ConnectionID: connectionID, UserID: claims.Subject}); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send connected frame")
		return
	}
	c.logger.Info().
		Str("user_id", claims.Subject).
		Str("language", c.language).
		Msg("connection established")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.RecordError("decode", "gateway")
			if serr := c.SendError(bridge.CodeProcessingError, "invalid message"); serr != nil {
				return
			}
			continue
		}

		switch msg.Action {
		case actionSendAudio:
			if !g.handleAudio(c, msg.Audio) {
				return
			}
		default:
			c.logger.Debug().Str("action", msg.Action).Msg("unknown action")
			if err := c.send(invalidActionEvent{Error: "Invalid action"}); err != nil {
				return
			}
		}
	}
}

// register writes the connection's directory record. Directory
// failures are logged and never block the connection.
func (g *Gateway) register(c *client, sessionID string, claims auth.Claims) {
	now := time.Now().UTC()
	rec := directory.Record{
		ConnectionID:   c.connectionID,
		SessionID:      sessionID,
		UserID:         claims.Subject,
		Email:          claims.Email,
		Username:       claims.Username,
		LanguageCode:   c.language,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(g.opts.RecordTTL),
	}
	err := g.store.Put(c.ctx, rec)
	observability.RecordDirectoryOp("put", err)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to write connection record")
	}
}

// handleAudio decodes and enqueues one chunk, lazily starting a
// transcription session when none is live, then acknowledges intake
// with a voice activity frame. It reports false when the connection
// should be torn down.
func (g *Gateway) handleAudio(c *client, audio string) bool {
	chunk, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		observability.RecordError("decode", "gateway")
		c.logger.Warn().Err(err).Msg("bad audio payload")
		return c.SendError(bridge.CodeProcessingError, "invalid audio payload") == nil
	}
	observability.RecordAudioBytes(len(chunk))

	if !g.bridge.Enqueue(c.connectionID, chunk) {
		gone := func(string) { g.disconnect(c) }
		if err := g.bridge.Start(c.ctx, c.connectionID, c.language, c, gone); err != nil {
			// The client was already notified; the next chunk
			// triggers a fresh attempt.
			return true
		}
		if !g.bridge.Enqueue(c.connectionID, chunk) {
			c.logger.Warn().Msg("chunk rejected by fresh session")
		}
	}

	g.touch(c)
	return c.SendVoiceActivity() == nil
}

// touch refreshes the record's activity timestamp, best effort.
func (g *Gateway) touch(c *client) {
	rec, err := g.store.Get(c.ctx, c.connectionID)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			observability.RecordDirectoryOp("get", err)
			c.logger.Debug().Err(err).Msg("failed to read connection record")
		}
		return
	}
	rec.LastActivityAt = time.Now().UTC()
	err = g.store.Put(c.ctx, rec)
	observability.RecordDirectoryOp("put", err)
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to refresh connection record")
	}
}

// disconnect releases everything tied to the connection. It runs at
// most once per connection, whether triggered by the read loop or by
// a delivery failure reported from the bridge.
func (g *Gateway) disconnect(c *client) {
	c.teardown.Do(func() {
		c.cancel()
		g.bridge.Cancel(c.connectionID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := g.store.Delete(ctx, c.connectionID)
		observability.RecordDirectoryOp("delete", err)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to delete connection record")
		}

		_ = c.conn.Close()
		c.logger.Info().Msg("connection closed")
	})
}
