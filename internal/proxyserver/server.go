// Package proxyserver implements the proxy server and per-connection
// handler: the TCP accept loop, the command dispatcher that drains the
// event bus's command queue, and the HTTP/1.x connection state machine
// (spec §4.5, §4.7).
package proxyserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kewlzin/lokiproxy/internal/bus"
	"github.com/kewlzin/lokiproxy/internal/config"
	"github.com/kewlzin/lokiproxy/internal/flow"
	"github.com/kewlzin/lokiproxy/internal/redact"
	"github.com/kewlzin/lokiproxy/internal/rules"
)

// Options configures a Server.
type Options struct {
	Host            string
	Port            int
	Flows           *flow.Store
	Bus             *bus.Bus
	Pending         *bus.PendingDecisions
	Engine          *rules.Engine
	Logger          *slog.Logger
	Redactor        *redact.Redactor
	InterceptOn     bool
	TunnelIdle      time.Duration
	DecisionTimeout time.Duration // 0 means wait forever
}

// Server owns the listening socket, flow store, event bus, intercept flag,
// active ruleset, and pending-decisions table (spec §4.7).
type Server struct {
	host string
	port int

	flows    *flow.Store
	bus      *bus.Bus
	pending  *bus.PendingDecisions
	engine   *rules.Engine
	logger   *slog.Logger
	redactor *redact.Redactor
	client   *http.Client

	intercept       atomic.Bool
	tunnelIdle      time.Duration
	decisionTimeout time.Duration
}

// New constructs a Server from opts, filling in defaults for a nil Logger
// or Redactor. The other pointer fields must be set by the caller.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redactor := opts.Redactor
	if redactor == nil {
		redactor = redact.New(config.RedactionConfig{})
	}
	s := &Server{
		host:            opts.Host,
		port:            opts.Port,
		flows:           opts.Flows,
		bus:             opts.Bus,
		pending:         opts.Pending,
		engine:          opts.Engine,
		logger:          logger,
		redactor:        redactor,
		tunnelIdle:      opts.TunnelIdle,
		decisionTimeout: opts.DecisionTimeout,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	s.intercept.Store(opts.InterceptOn)
	return s
}

// Serve spawns the command dispatcher, binds the listener, and accepts
// connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	go s.dispatchCommands(ctx)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.bus.PublishEvent(bus.LogMessage{Msg: fmt.Sprintf("lokiproxy listening on %s", addr)})
	s.logger.Info("proxy listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handleConn(conn)
	}
}

// dispatchCommands drains the bus's command queue and mutates server state
// accordingly (spec §4.7). It never returns until ctx is done.
func (s *Server) dispatchCommands(ctx context.Context) {
	for {
		cmd, ok := s.bus.NextCommand(ctx)
		if !ok {
			return
		}
		switch c := cmd.(type) {
		case bus.SetIntercept:
			s.intercept.Store(c.On)
			s.bus.PublishEvent(bus.LogMessage{Msg: fmt.Sprintf("intercept set to %v", c.On)})
		case bus.Forward:
			s.pending.Resolve(c.FlowID, bus.DecisionForward)
		case bus.Drop:
			s.pending.Resolve(c.FlowID, bus.DecisionDrop)
		case bus.Repeat:
			s.pending.Resolve(c.FlowID, bus.DecisionRepeat)
		case bus.ApplyRules:
			if err := s.engine.Replace(c.Ruleset); err != nil {
				s.bus.PublishEvent(bus.LogMessage{Msg: fmt.Sprintf("rejected rules update, keeping prior ruleset: %v", err)})
			}
		}
	}
}

// handleConn dispatches one accepted connection to either the CONNECT
// tunnel path or the HTTP flow path, recovering from any unhandled panic so
// a single connection's failure never takes down the server (spec §7
// "Internal exception").
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.PublishEvent(bus.LogMessage{Msg: fmt.Sprintf("connection handler panic: %v", r)})
			conn.Close()
		}
	}()
	s.serveConn(conn)
}
