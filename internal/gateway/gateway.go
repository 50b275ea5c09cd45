// Package gateway is the network edge of voxgate: it accepts the client
// WebSocket channel, frames MessagePack messages in both directions, and
// serves the HTTP side (health probes and Prometheus metrics).
//
// One goroutine per connection reads frames and hands them to the
// orchestrator; a second one drains the bounded outbound queue so a slow
// client cannot block the pipeline.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxgate-io/voxgate/internal/config"
	"github.com/voxgate-io/voxgate/internal/health"
	"github.com/voxgate-io/voxgate/internal/observe"
	"github.com/voxgate-io/voxgate/internal/orchestrator"
	"github.com/voxgate-io/voxgate/internal/session"
	"github.com/voxgate-io/voxgate/internal/wire"
	"github.com/voxgate-io/voxgate/pkg/audio"
)

// sendQueueCap bounds the per-connection outbound queue. At one frame per
// 100ms audio chunk this is ~25s of synthesized speech in flight.
const sendQueueCap = 256

// ErrSendQueueFull is returned by the connection sink when the client is not
// draining fast enough.
var ErrSendQueueFull = errors.New("gateway: send queue full")

// Server is the HTTP/WebSocket front of voxgate.
type Server struct {
	cfg     config.ServerConfig
	orch    *orchestrator.Orchestrator
	health  *health.Handler
	metrics *observe.Metrics

	httpSrv *http.Server
}

// New creates a Server. The health handler may be nil when probes are served
// elsewhere.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, h *health.Handler, metrics *observe.Metrics) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		orch:    orch,
		health:  h,
		metrics: metrics,
	}
}

// Handler builds the full HTTP mux: the audio channel, the health probes, and
// the Prometheus scrape endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.ChannelPath, s.handleChannel)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return s.withRequestMetrics(mux)
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.cfg.ListenAddr, "channel_path", s.cfg.ChannelPath)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// handleChannel upgrades the request and runs the connection to completion.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("channel accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxPayloadBytes)

	connectionID := uuid.NewString()
	if s.health != nil {
		s.health.ConnectionOpened()
	}
	s.metrics.ActiveConnections.Add(r.Context(), 1)
	defer s.metrics.ActiveConnections.Add(context.Background(), -1)

	slog.Info("channel accepted",
		"connection_id", connectionID,
		"remote", r.RemoteAddr,
	)

	c := newConn(ws)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writeLoop(ctx)

	meta := metadataFromRequest(r)
	sessionID := s.orch.Attach(ctx, connectionID, meta, c)

	s.readLoop(ctx, connectionID, c, ws)

	s.orch.Detach(connectionID)
	c.close()
	ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("channel closed", "connection_id", connectionID, "session_id", sessionID)
}

// readLoop pumps inbound frames into the orchestrator until the connection
// dies.
func (s *Server) readLoop(ctx context.Context, connectionID string, c *conn, ws *websocket.Conn) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			slog.Debug("channel read failed", "connection_id", connectionID, "error", err)
			return
		}
		if typ != websocket.MessageBinary {
			s.orch.HandleInvalid(connectionID, c, &wire.ParseError{
				RequestType: wire.EventUnknown,
				Reason:      "frames must be binary messages",
			})
			continue
		}

		f, err := wire.Decode(data)
		if err != nil {
			var perr *wire.ParseError
			if !errors.As(err, &perr) {
				perr = &wire.ParseError{RequestType: wire.EventUnknown, Reason: err.Error()}
			}
			s.orch.HandleInvalid(connectionID, c, perr)
			continue
		}
		s.orch.HandleFrame(ctx, connectionID, c, f)
	}
}

// metadataFromRequest extracts the optional client hints from the handshake
// query. The audio-start frame can still override the sample rate per turn.
func metadataFromRequest(r *http.Request) session.Metadata {
	q := r.URL.Query()
	meta := session.Metadata{
		SampleRate: audio.TargetRate,
		VoiceID:    q.Get("voiceId"),
		Language:   q.Get("language"),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	if rate, err := strconv.Atoi(q.Get("sampleRate")); err == nil && audio.ValidRate(rate) {
		meta.SampleRate = rate
	}
	return meta
}

// withRequestMetrics records request latency for the plain HTTP endpoints.
// The long-lived channel upgrade is excluded so it does not distort the
// histogram.
func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.cfg.ChannelPath {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				observe.Attr("method", r.Method),
				observe.Attr("path", r.URL.Path),
			))
	})
}

// conn is one client connection's outbound side. It implements
// orchestrator.Sender with a bounded, non-blocking queue.
type conn struct {
	ws    *websocket.Conn
	queue chan wire.Frame

	once sync.Once
	done chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:    ws,
		queue: make(chan wire.Frame, sendQueueCap),
		done:  make(chan struct{}),
	}
}

// Send enqueues a frame for delivery. It never blocks: a full queue rejects
// the frame so one stuck client cannot stall an engine goroutine.
func (c *conn) Send(f wire.Frame) error {
	select {
	case <-c.done:
		return errors.New("gateway: connection closed")
	default:
	}
	select {
	case c.queue <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the queue onto the socket.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.queue:
			data, err := wire.Encode(f)
			if err != nil {
				slog.Error("frame encode failed", "event_type", f.EventType, "error", err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
				slog.Debug("channel write failed", "error", err)
				return
			}
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}
