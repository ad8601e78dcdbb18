package proxyserver

import (
	"bufio"
	"errors"
	"strconv"
	"strings"

	"github.com/kewlzin/lokiproxy/internal/message"
)

// errMalformedRequest signals a request line with fewer than two tokens; the
// caller drops the connection silently rather than returning an error page
// (spec §4.5 "a request with fewer than two tokens is dropped silently").
var errMalformedRequest = errors.New("proxyserver: malformed request line")

// requestLine is the parsed first line of an HTTP/1.x request.
type requestLine struct {
	Method  string
	Target  string
	Version string
}

// readRequestLine parses "METHOD SP TARGET [SP VERSION] CRLF" tolerantly: a
// missing version is accepted and defaults to HTTP/1.1, but fewer than two
// space-separated tokens is malformed.
func readRequestLine(r *bufio.Reader) (requestLine, error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return requestLine{}, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return requestLine{}, errMalformedRequest
	}
	rl := requestLine{Method: fields[0], Target: fields[1], Version: "1.1"}
	if len(fields) >= 3 {
		rl.Version = strings.TrimPrefix(fields[2], "HTTP/")
	}
	return rl, nil
}

// readHeaders reads header lines until a blank line, splitting each on the
// first colon and trimming whitespace from both sides (spec §4.5).
func readHeaders(r *bufio.Reader) (message.Headers, error) {
	var headers message.Headers
	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // not a valid "name: value" line; skip it tolerantly
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers = append(headers, message.Header{Name: name, Value: value})
	}
}

// readCRLFLine reads one line and strips a trailing CR, if present, then LF.
func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// contentLength returns the parsed Content-Length header value, or 0 if
// absent or unparsable. Chunked transfer and other framings are not
// supported in the core; such requests are treated as having an empty body
// (spec §6).
func contentLength(headers message.Headers) int {
	v, ok := headers.Get("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// buildURL resolves the request target into an absolute URL (spec §4.5):
// targets already starting with "http" are used verbatim (absolute-form, as
// sent by an explicit proxy client); otherwise the URL is constructed from
// the Host header plus the origin-form target.
func buildURL(target string, headers message.Headers) string {
	if strings.HasPrefix(target, "http") {
		return target
	}
	host, _ := headers.Get("Host")
	return "http://" + host + target
}

// splitHostPort mirrors the original implementation's host-splitting: rsplit
// on the last colon, defaulting to port 80 if absent or unparsable. This is
// IPv6-unaware by design (spec §9 Open Question (b), a known limitation).
func splitHostPort(hostport string) (host string, port int) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, 80
	}
	p, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return hostport, 80
	}
	return hostport[:idx], p
}
