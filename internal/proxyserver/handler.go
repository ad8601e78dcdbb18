package proxyserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kewlzin/lokiproxy/internal/bus"
	"github.com/kewlzin/lokiproxy/internal/flow"
	"github.com/kewlzin/lokiproxy/internal/message"
	"github.com/kewlzin/lokiproxy/internal/rules"
)

// serveConn runs the ACCEPT → READ_REQUEST_LINE → READ_HEADERS →
// {TUNNEL | HTTP_FLOW} state machine for one connection (spec §4.5).
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	// traceID correlates this connection's log lines; it is not the Flow's
	// own monotonic id, which is assigned later and only for HTTP flows.
	traceID := uuid.New().String()
	s.logger.Debug("connection accepted", "trace", traceID, "remote", conn.RemoteAddr())

	r := bufio.NewReader(conn)
	rl, err := readRequestLine(r)
	if err != nil {
		s.logger.Debug("malformed request line, closing", "trace", traceID)
		return // malformed request line: close silently, no flow created
	}

	headers, err := readHeaders(r)
	if err != nil {
		return
	}

	if strings.EqualFold(rl.Method, "CONNECT") {
		s.handleConnect(conn, r, rl.Target)
		return
	}

	s.handleHTTPFlow(conn, r, rl, headers)
}

// handleConnect implements §4.6: write the 200 response, dial the remote,
// and relay bytes until either side closes. Any bytes the client pipelined
// immediately after the CONNECT request (already buffered by r) are flushed
// to the remote before the byte pumps start, so no tunneled data is lost to
// the now-bypassed bufio.Reader.
func (s *Server) handleConnect(conn net.Conn, r *bufio.Reader, target string) {
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	host, port := splitHostPort(target)
	remote, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return // remote unreachable: close the client connection silently
	}

	if buffered := r.Buffered(); buffered > 0 {
		pending := make([]byte, buffered)
		if _, err := io.ReadFull(r, pending); err != nil {
			remote.Close()
			return
		}
		if _, err := remote.Write(pending); err != nil {
			remote.Close()
			return
		}
	}

	tunnel(conn, remote, s.logger, target, s.tunnelIdle)
}

// handleHTTPFlow implements the HTTP_FLOW branch of §4.5's state machine.
func (s *Server) handleHTTPFlow(conn net.Conn, r *bufio.Reader, rl requestLine, headers message.Headers) {
	body, ok := s.readBody(conn, r, headers)
	if !ok {
		return // body read underflow: close, no response (spec §7)
	}

	f := s.flows.NewFlow()
	f.Method = rl.Method
	f.Request.Headers = headers
	f.Request.Body = body
	f.Request.Version = rl.Version

	reqURL := buildURL(rl.Target, headers)
	applyURLToFlow(f, reqURL)

	s.logger.Debug("request received", "flow", f.ID, "method", rl.Method, "url", reqURL, "headers", s.redactor.ForLog(headers))
	s.bus.PublishEvent(bus.FlowCreated{ID: f.ID})

	ruleset := s.engine.Snapshot()
	reqURL, reqHeaders, reqBody, mock := rules.Apply(rules.PhaseRequest, reqURL, rl.Method, 0, headers, body, ruleset)

	if s.intercept.Load() {
		if s.awaitDecisionAndMaybeDrop(conn, f, "request") {
			return
		}
	}

	var status int
	var respHeaders message.Headers
	var respBody []byte

	if mock != nil {
		status, respHeaders, respBody = mock.Status, mock.Headers, mock.Body
	} else {
		var err error
		status, respHeaders, respBody, err = s.fetchUpstream(rl.Method, reqURL, reqHeaders, reqBody)
		if err != nil {
			f.Error = err.Error()
			f.Finish()
			s.flows.Update(f)
			s.bus.PublishEvent(bus.FlowFinished{ID: f.ID})
			return
		}
	}

	respRuleset := s.engine.Snapshot()
	_, respHeaders, respBody, _ = rules.Apply(rules.PhaseResponse, reqURL, rl.Method, status, respHeaders, respBody, respRuleset)

	if s.intercept.Load() {
		if s.awaitDecisionAndMaybeDrop(conn, f, "response") {
			return
		}
	}

	s.writeResponse(conn, status, respHeaders, respBody)
	s.logger.Debug("response sent", "flow", f.ID, "status", status, "headers", s.redactor.ForLog(respHeaders))

	f.StatusCode = &status
	f.Response.Headers = respHeaders
	f.Response.Body = respBody
	f.Size = len(respBody)
	f.Finish()
	s.flows.Update(f)
	s.bus.PublishEvent(bus.FlowUpdated{ID: f.ID})
	s.bus.PublishEvent(bus.FlowFinished{ID: f.ID})
}

// applyURLToFlow fills in Scheme/Host/Port/Path on f from a parsed URL,
// leaving the store's defaults in place if parsing fails.
func applyURLToFlow(f *flow.Flow, rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	if u.Scheme != "" {
		f.Scheme = u.Scheme
	}
	host, port := splitHostPort(u.Host)
	if host != "" {
		f.Host = host
		f.Port = port
	}
	if u.Path != "" {
		f.Path = u.Path
	}
}

// readBody consumes the request body iff Content-Length is present (spec
// §4.5, §6); chunked and length-less bodies are treated as empty. A short
// read mid-body is a body read underflow (spec §7): the caller returns
// without a response.
func (s *Server) readBody(conn net.Conn, r *bufio.Reader, headers message.Headers) ([]byte, bool) {
	n := contentLength(headers)
	if n == 0 {
		return nil, true
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		s.bus.PublishEvent(bus.LogMessage{Msg: fmt.Sprintf("body read underflow: %v", err)})
		return nil, false
	}
	return body, true
}

// fetchUpstream issues the (possibly rewritten) request with no redirects
// followed, returning the upstream's status, headers, and body verbatim
// (spec §4.5, §6).
func (s *Server) fetchUpstream(method, targetURL string, headers message.Headers, body []byte) (int, message.Headers, []byte, error) {
	req, err := http.NewRequest(method, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building upstream request: %w", err)
	}
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading upstream response: %w", err)
	}

	var respHeaders message.Headers
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders = append(respHeaders, message.Header{Name: name, Value: v})
		}
	}

	return resp.StatusCode, respHeaders, respBody, nil
}

// writeResponse writes the status line, headers (in the order of the given
// list, appending Content-Length only if absent), and body. For an upstream
// response that order is fetchUpstream's iteration over Go's header map,
// not the order the upstream sent the headers in. The reason phrase is
// always "OK" regardless of status (spec §4.5, §9 Open Question (a)).
func (s *Server) writeResponse(conn net.Conn, status int, headers message.Headers, body []byte) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d OK\r\n", status)

	if !headers.Has("Content-Length") {
		headers = headers.Clone()
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	_, _ = conn.Write(buf.Bytes())
}

// awaitDecisionAndMaybeDrop registers a pending-decision slot, publishes
// FlowPaused, and blocks for the observer's resolution (spec §4.5). It
// returns true if the connection was dropped and the caller should stop.
func (s *Server) awaitDecisionAndMaybeDrop(conn net.Conn, f *flow.Flow, where string) bool {
	ch := s.pending.Register(f.ID)
	s.bus.PublishEvent(bus.FlowPaused{ID: f.ID, Where: where})

	decision := s.waitForDecision(ch, f.ID)
	if decision != bus.DecisionDrop {
		return false
	}

	f.Error = fmt.Sprintf("Dropped by user at %s", where)
	f.Finish()
	s.flows.Update(f)
	s.bus.PublishEvent(bus.FlowFinished{ID: f.ID})
	return true
}

// waitForDecision blocks on ch until a decision arrives, or — if a decision
// timeout is configured — resolves as Forward after inactivity (spec §5
// "implementations SHOULD add a configurable timeout").
func (s *Server) waitForDecision(ch <-chan bus.Decision, flowID int64) bus.Decision {
	if s.decisionTimeout <= 0 {
		return <-ch
	}
	select {
	case d := <-ch:
		return d
	case <-time.After(s.decisionTimeout):
		s.pending.Remove(flowID)
		return bus.DecisionForward
	}
}
