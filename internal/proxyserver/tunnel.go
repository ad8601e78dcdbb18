package proxyserver

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const defaultTunnelIdleTimeout = 5 * time.Minute

// tunnel copies data bidirectionally between clientConn and remoteConn until
// either side closes or goes idle for idleTimeout (spec §4.6). No Flow is
// created for tunneled traffic.
func tunnel(clientConn, remoteConn net.Conn, logger *slog.Logger, target string, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = defaultTunnelIdleTimeout
	}
	logger.Debug("tunnel established", "target", target)

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientConn.Close()
			remoteConn.Close()
			logger.Debug("tunnel closed", "target", target)
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpWithIdleTimeout(remoteConn, clientConn, idleTimeout)
		closeAll()
	}()

	go func() {
		defer wg.Done()
		pumpWithIdleTimeout(clientConn, remoteConn, idleTimeout)
		closeAll()
	}()

	wg.Wait()
}

// pumpWithIdleTimeout copies from src to dst 64 KiB at a time, resetting a
// read deadline on src after every successful read (spec §4.6: "reading up
// to 64 KiB"). No data within idleTimeout ends the copy.
func pumpWithIdleTimeout(dst io.Writer, src net.Conn, idleTimeout time.Duration) {
	buf := make([]byte, 64*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
