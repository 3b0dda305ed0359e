package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

var (
	errMissingAPIKey     = errors.New("speech-translation credentials not configured")
	errHandshakeRejected = errors.New("session handshake rejected")
)

// Conn is an established duplex connection to the speech-translation service.
type Conn interface {
	// Read blocks until the next server event arrives.
	Read(ctx context.Context) (Event, error)
	// Send writes one client event.
	Send(ctx context.Context, ev ClientEvent) error
	// Close releases the connection.
	Close() error
}

// Stream yields server events in arrival order until ctx ends or Read fails.
// Frames that fail to decode are reported as errors without ending the stream;
// a transport error is yielded once and ends it.
func Stream(ctx context.Context, conn Conn) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := conn.Read(ctx)
			if err != nil {
				var derr *DecodeError
				if errors.As(err, &derr) {
					if !yield(nil, err) {
						return
					}
					continue
				}
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// DecodeError reports a frame that could not be decoded. It does not break the connection.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// DialerConfig holds connection settings for the speech-translation service.
type DialerConfig struct {
	URL            string
	APIKey         string
	Model          string
	Voice          string
	Instructions   string
	ConnectTimeout time.Duration
	ReadLimit      int64
}

// DefaultDialerConfig returns default connection settings.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		URL:            "wss://api.openai.com/v1/realtime",
		Model:          "gpt-4o-realtime-preview-2025-06-03",
		Voice:          "alloy",
		ConnectTimeout: 10 * time.Second,
		ReadLimit:      4 << 20,
	}
}

// Dialer opens interpreter sessions.
type Dialer struct {
	cfg    DialerConfig
	logger *slog.Logger
}

// NewDialer creates a dialer. Zero fields of cfg fall back to defaults.
func NewDialer(cfg DialerConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDialerConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Voice == "" {
		cfg.Voice = def.Voice
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial connects and performs the one-time handshake: credential exchange on
// upgrade, then session configuration. It never retries.
func (d *Dialer) Dial(ctx context.Context) (Conn, error) {
	if d.cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}

	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime service: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime service: %w", err)
	}
	ws.SetReadLimit(d.cfg.ReadLimit)

	conn := &wsConn{ws: ws}
	if err := d.handshake(dialCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			d.logger.Debug("failed to close realtime socket after handshake failure", "error", closeErr)
		}
		return nil, err
	}

	d.logger.Info("Realtime session established", "model", d.cfg.Model)
	return conn, nil
}

// handshake waits for the session to be created, then configures it.
func (d *Dialer) handshake(ctx context.Context, conn *wsConn) error {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session: %w", err)
		}
		var head struct {
			Type  string `json:"type"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}
		if head.Type == typeError {
			msg := ""
			if head.Error != nil {
				msg = head.Error.Message
			}
			return fmt.Errorf("%w: %s", errHandshakeRejected, msg)
		}
		if head.Type == "session.created" {
			break
		}
	}

	update := SessionUpdate{Session: InterpreterSession(d.cfg.Instructions, d.cfg.Voice)}
	if err := conn.Send(ctx, update); err != nil {
		return fmt.Errorf("configure session: %w", err)
	}
	return nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Event, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := Decode(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return ev, nil
}

func (c *wsConn) Send(ctx context.Context, ev ClientEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.clientEventType(), err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "session ended")
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}
