// Package runnerd is the server half of the execute protocol: an HTTP server
// exposing the execute WebSocket endpoint and the environment session RPCs.
package runnerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Server runs programs on behalf of execute streams and manages environment
// sessions.
type Server struct {
	log        *zap.SugaredLogger
	listenAddr string
	store      *sessionStore

	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("runnerd").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Named("runnerd").Sugar(),
		listenAddr: "0.0.0.0:8080",
		store:      newSessionStore(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	tcpListener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/execute", s.execute)
	router.POST("/sessions", s.createSession)
	router.GET("/sessions/:id", s.getSession)
	router.DELETE("/sessions/:id", s.deleteSession)
	router.GET("/sessions/:id/lastOutput", s.lastOutput)

	server := http.Server{Handler: router}
	s.httpServer = &server

	err = server.Serve(tcpListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

// execute upgrades to a WebSocket and hands the stream to an executor.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.log.Debug("accepted execute WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	e := &executor{
		log:    s.log.Named("executor"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		store:  s.store,
	}
	e.run()
}

type createSessionRequest struct {
	Envs     []string
	Metadata map[string]string
}

type createSessionResponse struct {
	ID string
}

type getSessionResponse struct {
	Envs []string
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess := s.store.Create(req.Envs, req.Metadata)
	s.log.Debugw("created session", "ID", sess.ID())
	s.writeJSON(w, createSessionResponse{ID: sess.ID()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess, ok := s.store.Get(params.ByName("id"))
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	s.writeJSON(w, getSessionResponse{Envs: sess.Envs()})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.store.Delete(params.ByName("id")) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) lastOutput(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess, ok := s.store.Get(params.ByName("id"))
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	w.Header().Add("Content-Type", "application/octet-stream")
	w.Write(sess.LastOutput().Bytes())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
