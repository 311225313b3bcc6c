// Package wsclient talks to a remote detector over a websocket: one binary PNG frame out,
// one JSON reply back.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/floor-segmenter/internal/floormask"
	"github.com/example/floor-segmenter/internal/imagecodec"
	"github.com/example/floor-segmenter/internal/logging"
	"github.com/example/floor-segmenter/internal/segmenter"
)

// Segmenter keeps a single connection and serializes calls over it.
// A broken connection is dropped and redialed on the next call.
type Segmenter struct {
	serverURL      string
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	logger         *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ segmenter.Model = (*Segmenter)(nil)

// ServerURL builds the ws:// endpoint for a host:port, unless addr already carries a scheme.
func ServerURL(addr string) string {
	if u, err := url.Parse(addr); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return addr
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	return u.String()
}

// Dial connects eagerly so startup can report whether the model is reachable.
func Dial(ctx context.Context, addr string, dialTimeout, requestTimeout time.Duration, logger *zap.Logger) (*Segmenter, error) {
	s := &Segmenter{
		serverURL:      ServerURL(addr),
		dialer:         &websocket.Dialer{HandshakeTimeout: dialTimeout},
		requestTimeout: requestTimeout,
		logger:         logger.Named("ws_segmenter"),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.connLocked(ctx); err != nil {
		wrapped := logging.NewOperationError("wsclient.dial", "", err)
		logger.Error("failed to connect to detector server", zap.Error(wrapped), zap.String("url", s.serverURL))
		return nil, wrapped
	}
	logger.Info("connected to detector server", zap.String("url", s.serverURL))
	return s, nil
}

func (s *Segmenter) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.serverURL, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Segmenter) dropLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Segmenter) Segment(ctx context.Context, req segmenter.Request) (*floormask.MaskSet, error) {
	pngBytes, err := imagecodec.EncodePNG(req.Image)
	if err != nil {
		return nil, logging.NewOperationError("wsclient.encode_image", req.RequestID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connLocked(ctx)
	if err != nil {
		return nil, logging.NewOperationError("wsclient.dial", req.RequestID, err)
	}

	deadline := time.Time{}
	if s.requestTimeout > 0 {
		deadline = time.Now().Add(s.requestTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(websocket.BinaryMessage, pngBytes); err != nil {
		s.dropLocked()
		wrapped := logging.NewOperationError("wsclient.write", req.RequestID, err)
		s.logger.Warn("connection lost", zap.Error(wrapped))
		return nil, wrapped
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		s.dropLocked()
		wrapped := logging.NewOperationError("wsclient.read", req.RequestID, err)
		s.logger.Warn("connection lost", zap.Error(wrapped))
		return nil, wrapped
	}

	var wire segmenter.WireResult
	if err := json.Unmarshal(message, &wire); err != nil {
		return nil, logging.NewOperationError("wsclient.parse_response", req.RequestID, fmt.Errorf("decode reply: %w", err))
	}
	set, err := wire.ToMaskSet()
	if err != nil {
		return nil, logging.NewOperationError("wsclient.decode_masks", req.RequestID, err)
	}
	return set, nil
}

func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.dropLocked()
	return err
}
