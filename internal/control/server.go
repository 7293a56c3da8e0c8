// Package control exposes the recorder to the host application over a
// loopback websocket: the host sends commands and receives results plus a
// progress push every second while recording.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/recorder"
	"github.com/Eyebottle/sat-lec-rec/internal/secmem"
)

var log = logging.L("control")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	progressPeriod = time.Second
	sendQueue      = 64

	// Connection attempts allowed per remote host per minute.
	connAttempts = 30
)

var errConnClosed = errors.New("connection closed")

// Server is the host control endpoint.
type Server struct {
	session *recorder.Session
	// token stays required after Close zeroes it.
	token        *secmem.Secret
	authRequired bool

	upgrader websocket.Upgrader
	limiter  *rateLimiter
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer returns a server driving session. An empty cfg.Token disables
// authentication.
func NewServer(session *recorder.Session, cfg config.ControlConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		session:      session,
		token:        secmem.New(cfg.Token),
		authRequired: cfg.Token != "",
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      loopbackOrigin,
		},
		limiter: newRateLimiter(connAttempts, time.Minute),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}
}

// Handler serves /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot(s.session, false))
	})
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled. Only loopback
// addresses are accepted.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("control listen address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("control listen address %q is not loopback", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	log.Info("control server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close drops every connection. Recordings are left to the caller.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	s.cancel()
	s.token.Zero()
}

// Broadcast pushes ev to every connected host.
func (s *Server) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error("failed to marshal event", logging.KeyError, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if err := c.enqueue(data); err != nil {
			log.Debug("event not delivered", "type", ev.Type, logging.KeyError, err)
		}
	}
}

// ForwardLogs pushes log entries at or above level to connected hosts until
// ctx ends. The server's own entries are skipped so delivery failures cannot
// feed back into the stream.
func (s *Server) ForwardLogs(ctx context.Context, level string) {
	sub := logging.Subscribe(level)
	go func() {
		defer logging.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if e.Component == "control" {
					continue
				}
				s.Broadcast(Event{Type: MsgLog, Result: e})
			}
		}
	}()
}

func (s *Server) authorized(r *http.Request) bool {
	if !s.authRequired {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return s.token.Equal(got)
}

// loopbackOrigin accepts requests without an Origin header (native hosts)
// and pages served from a loopback host.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.limiter.Allow(host) {
		log.Warn("control connection rate limited", "remote", r.RemoteAddr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.authorized(r) {
		log.Warn("control connection rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	c := &conn{
		srv:  s,
		ws:   ws,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	log.Info("host connected", "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
	log.Info("host disconnected", "remote", r.RemoteAddr)
}

// conn is one host connection. Only writePump writes to ws.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return fmt.Errorf("send queue full")
	}
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn("failed to parse command", logging.KeyError, err)
			c.reply(CommandResult{Status: StatusError, Code: recorder.CodeGeneral, Error: "malformed command"})
			continue
		}
		go c.process(cmd)
	}
}

func (c *conn) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	progress := time.NewTicker(progressPeriod)
	defer progress.Stop()
	wasRecording := false

	write := func(kind int, data []byte) bool {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(kind, data); err != nil {
			log.Debug("write error", logging.KeyError, err)
			c.close()
			return false
		}
		return true
	}

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if !write(websocket.TextMessage, msg) {
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case <-progress.C:
			recording := c.srv.session.IsRecording()
			var ev *Event
			switch {
			case recording:
				ev = &Event{Type: MsgProgress, Result: snapshot(c.srv.session, false)}
			case wasRecording:
				ev = &Event{Type: MsgFinished, Result: snapshot(c.srv.session, true)}
			}
			wasRecording = recording
			if ev == nil {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if !write(websocket.TextMessage, data) {
				return
			}
		}
	}
}

func (c *conn) process(cmd Command) {
	log.Info("processing command", "commandId", cmd.ID, "commandType", cmd.Type)
	res := c.srv.dispatch(cmd)
	res.CommandID = cmd.ID
	c.reply(res)
}

func (c *conn) reply(res CommandResult) {
	res.Type = MsgCommandResult
	data, err := json.Marshal(res)
	if err != nil {
		log.Error("failed to marshal result", logging.KeyError, err)
		return
	}
	if err := c.enqueue(data); err != nil {
		log.Warn("failed to send command result", "commandId", res.CommandID, logging.KeyError, err)
	}
}

func (s *Server) dispatch(cmd Command) CommandResult {
	var err error
	var result any
	switch cmd.Type {
	case CmdInitialize:
		err = s.session.Initialize()
		result = snapshot(s.session, false)
	case CmdStart:
		req := parseStart(cmd.Payload)
		err = s.session.StartRecording(s.ctx, req.Path, req.Width, req.Height, req.FPS)
		result = snapshot(s.session, false)
	case CmdStop:
		err = s.session.StopRecording()
		result = snapshot(s.session, true)
	case CmdStatus:
		result = snapshot(s.session, boolField(cmd.Payload, "detailed"))
	case CmdCleanup:
		s.session.Cleanup()
		result = snapshot(s.session, false)
	case CmdSetLogLevel:
		level := stringField(cmd.Payload, "level")
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "warning", "error":
			logging.SetLevel(level)
			log.Info("log level changed", "level", level)
			result = map[string]string{"level": level}
		default:
			err = fmt.Errorf("invalid log level %q", level)
		}
	default:
		return CommandResult{
			Status: StatusError,
			Code:   recorder.CodeGeneral,
			Error:  fmt.Sprintf("unknown command %q", cmd.Type),
		}
	}
	res := CommandResult{Status: StatusOK, Code: recorder.ErrorCode(err), Result: result}
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		log.Warn("command failed", "commandId", cmd.ID, "commandType", cmd.Type,
			"code", res.Code, logging.KeyError, err)
	}
	return res
}
