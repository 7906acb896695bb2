package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"switchboard/internal/domain"
	"switchboard/internal/infra/ids"
	"switchboard/internal/infra/middleware"
)

// Config configures the gateway server.
type Config struct {
	Addr string
	// SendBuffer is the outbound queue length per connection.
	SendBuffer int
	// MessagesPerMinute and MessageBurst bound inbound frames per connection.
	MessagesPerMinute int
	MessageBurst      int
	Connect           middleware.ConnectLimitConfig
	OriginPatterns    []string
}

var defaultOriginPatterns = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	limiter   *rate.Limiter
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server is the WebSocket gateway. It is the realtime channel the dispatcher
// talks to: every outbound frame is fanned out to all connected clients.
type Server struct {
	cfg     Config
	auth    Authenticator
	audit   AuthAuditor
	connect *middleware.ConnectLimiter
	logger  *slog.Logger

	clients sync.Map // connID (uint64) -> *clientConn
	nextID  atomic.Uint64

	handlersMu sync.RWMutex
	onMessage  domain.InboundHandler
	actions    map[string]domain.ActionHandler

	streamsMu sync.Mutex
	streams   map[string]*domain.ActiveStream

	inflight  sync.WaitGroup
	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

var _ domain.RealtimeChannel = (*Server)(nil)

// NewServer creates a gateway server.
func NewServer(cfg Config, auth Authenticator, logger *slog.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = 120
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 20
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = defaultOriginPatterns
	}
	return &Server{
		cfg:     cfg,
		auth:    auth,
		connect: middleware.NewConnectLimiter(cfg.Connect),
		logger:  logger,
		actions: make(map[string]domain.ActionHandler),
		streams: make(map[string]*domain.ActiveStream),
	}
}

// AuthAuditor records rejected connections.
type AuthAuditor interface {
	LogAuthDenied(ctx context.Context, remoteAddr string) error
}

// SetAuditor attaches an audit trail for rejected connections.
func (s *Server) SetAuditor(a AuthAuditor) { s.audit = a }

// OnMessage sets the handler for inbound user messages. Each message runs
// on its own goroutine.
func (s *Server) OnMessage(handler domain.InboundHandler) {
	s.handlersMu.Lock()
	s.onMessage = handler
	s.handlersMu.Unlock()
}

// OnAction registers the handler for a named client action.
func (s *Server) OnAction(name string, handler domain.ActionHandler) {
	s.handlersMu.Lock()
	s.actions[name] = handler
	s.handlersMu.Unlock()
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(http.HandlerFunc(s.handleUpgrade),
		middleware.SecurityHeaders,
		s.connect.Middleware,
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start begins accepting WebSocket connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go s.connect.Run(ctx)
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	s.logger.Info("gateway started", "addr", s.BoundAddr())
	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every client connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// Wait blocks until every inbound message handler has returned.
func (s *Server) Wait() { s.inflight.Wait() }

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		if s.audit != nil {
			if aerr := s.audit.LogAuthDenied(r.Context(), middleware.ClientIP(r, s.cfg.Connect.TrustedProxies)); aerr != nil {
				s.logger.Warn("auth audit failed", "error", aerr)
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		id:      s.nextID.Add(1),
		info:    clientInfo,
		ws:      ws,
		sendCh:  make(chan Frame, s.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(float64(s.cfg.MessagesPerMinute)/60.0), s.cfg.MessageBurst),
		done:    make(chan struct{}),
	}
	s.clients.Store(cc.id, cc)
	s.logger.Info("gateway client connected", "conn_id", cc.id, "client", clientInfo.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(cc.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return // connection closed or error
		}

		if !cc.limiter.Allow() {
			s.sendTo(cc, errorFrame(domain.ErrorNotice{
				ConversationID: frame.ConversationID,
				Message:        "too many messages",
				Code:           domain.CodeRateLimit,
			}))
			continue
		}

		switch frame.Type {
		case FrameTypeMessage:
			s.handleMessageFrame(ctx, cc, frame)
		case FrameTypeAction:
			s.handleActionFrame(ctx, cc, frame)
		default:
			s.sendTo(cc, errorFrame(domain.ErrorNotice{
				ConversationID: frame.ConversationID,
				Message:        fmt.Sprintf("unknown frame type %q", frame.Type),
				Code:           domain.CodeInvalidFrame,
			}))
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessageFrame(ctx context.Context, cc *clientConn, frame Frame) {
	var msg domain.Message
	if err := json.Unmarshal(frame.Payload, &msg); err != nil || (msg.Content == "" && len(msg.Attachments) == 0) {
		s.sendTo(cc, errorFrame(domain.ErrorNotice{
			ConversationID: frame.ConversationID,
			Message:        domain.ErrInvalidFrame.Error(),
			Code:           domain.CodeInvalidFrame,
		}))
		return
	}
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	if msg.Role == "" {
		msg.Role = domain.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Metadata.ConversationID == "" {
		msg.Metadata.ConversationID = frame.ConversationID
	}
	// Only the scheduler produces task runs.
	if msg.IsTaskRun() {
		msg.Metadata.MessageType = ""
	}

	s.handlersMu.RLock()
	handler := s.onMessage
	s.handlersMu.RUnlock()
	if handler == nil {
		s.logger.Warn("gateway: no message handler, dropping", "message_id", msg.ID)
		return
	}

	// Turns outlive the socket that started them.
	turnCtx := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		handler(turnCtx, msg)
	}()
}

func (s *Server) handleActionFrame(ctx context.Context, cc *clientConn, frame Frame) {
	var action domain.Action
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &action); err != nil {
			s.sendTo(cc, Frame{Type: domain.FrameResponse, ID: frame.ID, Error: domain.ErrInvalidFrame.Error()})
			return
		}
	}
	if action.Name == "" {
		action.Name = frame.Method
	}
	if action.ConversationID == "" {
		action.ConversationID = frame.ConversationID
	}

	s.handlersMu.RLock()
	handler, ok := s.actions[action.Name]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendTo(cc, Frame{
			Type:           domain.FrameResponse,
			ID:             frame.ID,
			Method:         action.Name,
			ConversationID: action.ConversationID,
			Error:          fmt.Sprintf("%s: %s", domain.ErrUnknownAction, action.Name),
		})
		return
	}

	go func() {
		resp := Frame{
			Type:           domain.FrameResponse,
			ID:             frame.ID,
			Method:         action.Name,
			ConversationID: action.ConversationID,
		}
		result, err := handler(ctx, action)
		if err == nil && result != nil {
			resp.Payload, err = json.Marshal(result)
		}
		if err != nil {
			resp.Error = err.Error()
		}
		s.sendTo(cc, resp)
	}()
}

// Send delivers a stored message to every client.
func (s *Server) Send(_ context.Context, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: marshal message: %w", err)
	}
	s.broadcast(Frame{Type: domain.FrameMessage, ConversationID: msg.ConversationID(), Payload: payload})
	return nil
}

// SendError delivers an error notice to every client.
func (s *Server) SendError(_ context.Context, notice domain.ErrorNotice) error {
	s.broadcast(errorFrame(notice))
	return nil
}

// StartStream opens the active stream for a conversation, replacing any
// stream left open.
func (s *Server) StartStream(_ context.Context, conversationID, messageID string) error {
	s.streamsMu.Lock()
	s.streams[conversationID] = &domain.ActiveStream{ConversationID: conversationID, MessageID: messageID}
	s.streamsMu.Unlock()

	payload, _ := json.Marshal(streamStart{MessageID: messageID})
	s.broadcast(Frame{Type: domain.FrameStreamStart, ConversationID: conversationID, Payload: payload})
	return nil
}

// SendStreamChunk appends chunk to the active stream and forwards it.
func (s *Server) SendStreamChunk(_ context.Context, conversationID, chunk string) error {
	s.streamsMu.Lock()
	if st, ok := s.streams[conversationID]; ok {
		st.Content += chunk
	}
	s.streamsMu.Unlock()

	payload, _ := json.Marshal(streamChunk{Chunk: chunk})
	s.broadcast(Frame{Type: domain.FrameStreamChunk, ConversationID: conversationID, Payload: payload})
	return nil
}

// EndStream closes messageID's stream. The conversation's active stream is
// cleared only when it is that stream.
func (s *Server) EndStream(_ context.Context, conversationID, messageID string) error {
	s.streamsMu.Lock()
	if st, ok := s.streams[conversationID]; ok && st.MessageID == messageID {
		delete(s.streams, conversationID)
	}
	s.streamsMu.Unlock()

	payload, _ := json.Marshal(streamStart{MessageID: messageID})
	s.broadcast(Frame{Type: domain.FrameStreamEnd, ConversationID: conversationID, Payload: payload})
	return nil
}

// ActiveStream returns a snapshot of the conversation's open stream.
func (s *Server) ActiveStream(conversationID string) (domain.ActiveStream, bool) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	st, ok := s.streams[conversationID]
	if !ok {
		return domain.ActiveStream{}, false
	}
	return *st, true
}

// Broadcast forwards an event to every client.
func (s *Server) Broadcast(_ context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("gateway: marshal event: %w", err)
	}
	s.broadcast(Frame{Type: domain.FrameEvent, ConversationID: event.ConversationID, Payload: payload})
	return nil
}

func (s *Server) broadcast(frame Frame) {
	s.clients.Range(func(_, value any) bool {
		s.sendTo(value.(*clientConn), frame)
		return true
	})
}

func (s *Server) sendTo(cc *clientConn, frame Frame) {
	select {
	case cc.sendCh <- frame:
	default:
		s.logger.Warn("gateway: dropped frame for slow client", "conn_id", cc.id, "type", frame.Type)
	}
}

func errorFrame(notice domain.ErrorNotice) Frame {
	payload, _ := json.Marshal(notice)
	return Frame{
		Type:           domain.FrameError,
		ConversationID: notice.ConversationID,
		Payload:        payload,
		Error:          notice.Message,
	}
}
