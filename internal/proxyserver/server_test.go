package proxyserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kewlzin/lokiproxy/internal/bus"
	"github.com/kewlzin/lokiproxy/internal/flow"
	"github.com/kewlzin/lokiproxy/internal/rules"
)

func newTestServer(t *testing.T, rs rules.Ruleset, interceptOn bool) (*Server, string, *bus.Bus) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	b := bus.New()
	s := New(Options{
		Host:        host,
		Port:        port,
		Flows:       flow.NewStore(100),
		Bus:         b,
		Pending:     bus.NewPendingDecisions(),
		Engine:      rules.NewEngine(rs),
		InterceptOn: interceptOn,
		TunnelIdle:  2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = s.Serve(ctx)
	}()
	<-ready
	time.Sleep(50 * time.Millisecond) // let the listener bind

	// Serve announces its bind with a LogMessage before accepting; consume it
	// so each test's first event is one its own connection produced.
	evCtx, evCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer evCancel()
	ev, ok := b.NextEvent(evCtx)
	if _, isLog := ev.(bus.LogMessage); !ok || !isLog {
		t.Fatalf("expected the listening LogMessage first, got %+v ok=%v", ev, ok)
	}

	return s, net.JoinHostPort(host, portStr), b
}

func TestS1PlainGETEmitsLifecycleEventsInOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"origin":"1.2.3.4"}`))
	}))
	defer upstream.Close()

	_, addr, b := newTestServer(t, rules.Ruleset{}, false)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	upstreamURL, _ := url.Parse(upstream.URL)
	fmt.Fprintf(conn, "GET %s/ip HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.URL, upstreamURL.Host)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") == "" {
		t.Fatalf("expected Content-Length header in response")
	}
	if !strings.Contains(string(body), "1.2.3.4") {
		t.Fatalf("unexpected body: %s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wantKinds := []string{"created", "updated", "finished"}
	for _, want := range wantKinds {
		ev, ok := b.NextEvent(ctx)
		if !ok {
			t.Fatalf("expected a %s event, queue empty", want)
		}
		switch want {
		case "created":
			if _, ok := ev.(bus.FlowCreated); !ok {
				t.Fatalf("expected FlowCreated, got %T", ev)
			}
		case "updated":
			if _, ok := ev.(bus.FlowUpdated); !ok {
				t.Fatalf("expected FlowUpdated, got %T", ev)
			}
		case "finished":
			if _, ok := ev.(bus.FlowFinished); !ok {
				t.Fatalf("expected FlowFinished, got %T", ev)
			}
		}
	}
}

func TestS2MockShortCircuitsUpstreamFetch(t *testing.T) {
	rs := rules.Ruleset{Rules: []rules.Rule{
		{
			Name:    "mock-example",
			On:      rules.PhaseRequest,
			Enabled: true,
			Match:   rules.Match{URLRegex: "example"},
			Action: rules.Action{
				MockResponse: &rules.MockResponse{
					Status:  418,
					Headers: map[string]string{"X-Mock": "1"},
					Body:    "teapot",
				},
			},
		},
	}}

	_, addr, _ := newTestServer(t, rs, false)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://example.test/anything HTTP/1.1\r\nHost: example.test\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 418 {
		t.Fatalf("expected 418, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Mock") != "1" {
		t.Fatalf("expected X-Mock header, got %v", resp.Header)
	}
	if resp.Header.Get("Content-Length") != "6" {
		t.Fatalf("expected Content-Length 6, got %q", resp.Header.Get("Content-Length"))
	}
	if string(body) != "teapot" {
		t.Fatalf("expected body teapot, got %q", body)
	}
}

func TestS3DropAtRequestClosesWithoutResponse(t *testing.T) {
	_, addr, b := newTestServer(t, rules.Ruleset{}, true)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n\r\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, ok := b.NextEvent(ctx)
	if !ok {
		t.Fatalf("expected FlowCreated event")
	}
	created, ok := ev.(bus.FlowCreated)
	if !ok {
		t.Fatalf("expected FlowCreated, got %T", ev)
	}

	ev, ok = b.NextEvent(ctx)
	if !ok {
		t.Fatalf("expected FlowPaused event")
	}
	paused, ok := ev.(bus.FlowPaused)
	if !ok || paused.Where != "request" {
		t.Fatalf("expected FlowPaused{where:request}, got %+v", ev)
	}

	b.SendCommand(bus.Drop{FlowID: created.ID})

	ev, ok = b.NextEvent(ctx)
	if !ok {
		t.Fatalf("expected FlowFinished event")
	}
	finished, ok := ev.(bus.FlowFinished)
	if !ok || finished.ID != created.ID {
		t.Fatalf("expected FlowFinished for id %d, got %+v", created.ID, ev)
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected no bytes written and EOF/close, got n=%d err=%v", n, err)
	}
}

func TestS6RulesHotSwapDoesNotRewriteAnInFlightRequestPhase(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("original"))
	}))
	defer upstream.Close()

	initial := rules.Ruleset{}
	s, addr, _ := newTestServer(t, initial, false)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	upstreamURL, _ := url.Parse(upstream.URL)
	fmt.Fprintf(conn, "GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.URL, upstreamURL.Host)

	// Wait until the handler is blocked in the upstream fetch, proving its
	// request-phase snapshot was already taken against the initial ruleset.
	time.Sleep(100 * time.Millisecond)

	// Swap in a ruleset that would mock the request phase outright, then
	// unblock the upstream call.
	hot := rules.Ruleset{Rules: []rules.Rule{
		{
			Name:    "mock-everything",
			On:      rules.PhaseRequest,
			Enabled: true,
			Match:   rules.Match{URLRegex: ".*"},
			Action: rules.Action{
				MockResponse: &rules.MockResponse{Status: 999, Body: "hot-swapped"},
			},
		},
	}}
	if err := s.engine.Replace(hot); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	close(release)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	// The in-flight flow's request phase had already captured the initial
	// (empty) ruleset, so the upstream fetch still ran: the hot-swapped mock
	// never applies retroactively to a phase already evaluated.
	if resp.StatusCode != 200 {
		t.Fatalf("expected the in-flight flow to still hit upstream (200), got %d", resp.StatusCode)
	}
	if string(body) != "original" {
		t.Fatalf("expected original upstream body, got %q", body)
	}

	// A connection dialed after the swap picks up the new ruleset immediately.
	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	fmt.Fprintf(conn2, "GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.URL, upstreamURL.Host)

	resp2, err := http.ReadResponse(bufio.NewReader(conn2), nil)
	if err != nil {
		t.Fatalf("reading second response: %v", err)
	}
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)

	if resp2.StatusCode != 999 {
		t.Fatalf("expected the next flow to see the hot-swapped mock (999), got %d", resp2.StatusCode)
	}
	if string(body2) != "hot-swapped" {
		t.Fatalf("expected hot-swapped body, got %q", body2)
	}
}

func TestS4ConnectTunnelRelaysBytesBothWays(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	_, addr, _ := newTestServer(t, rules.Ruleset{}, false)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	target := echoLn.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", target)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("unexpected CONNECT response line: %q", line)
	}
	// consume the blank line terminator
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading blank line: %v", err)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	echoed := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(reader, echoed); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(echoed) != "ping" {
		t.Fatalf("expected echoed ping, got %q", echoed)
	}
}
