// Package proxyengine is the network core of the MITM proxy: it accepts
// client connections, speaks HTTP/1.1, terminates TLS on CONNECT tunnels
// using leaf certificates from certminter, forwards to origins, captures
// both directions into trafficstore, and broadcasts lifecycle events on
// eventbus. One handler dispatches CONNECT vs plain HTTP, and a nested
// single-connection http.Server drives keep-alive over a hijacked,
// TLS-terminated client socket.
package proxyengine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mitmcore/internal/certminter"
	"mitmcore/internal/config"
	"mitmcore/internal/eventbus"
	"mitmcore/internal/logger"
	"mitmcore/internal/metrics"
	"mitmcore/internal/trafficstore"
)

// Error kinds reported on failed or degraded exchanges.
const (
	ErrDNSFailure       = "DNS_FAILURE"
	ErrUpstreamConnect  = "UPSTREAM_CONNECT"
	ErrUpstreamTLS      = "UPSTREAM_TLS"
	ErrUpstreamProtocol = "UPSTREAM_PROTOCOL"
	ErrClientDisconnect = "CLIENT_DISCONNECT"
	ErrClientTLS        = "CLIENT_TLS"
	ErrTimeout          = "TIMEOUT"
	ErrTruncatedBody    = "TRUNCATED_BODY" // soft; not a failure
	ErrStoreWrite       = "STORE_WRITE"
)

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func snapshotHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = vv[len(vv)-1] // duplicates collapsed to last-wins
		}
	}
	return out
}

// Engine is one running proxy instance.
type Engine struct {
	cfg     *config.Config
	minter  *certminter.Minter
	store   *trafficstore.Store
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	log     *logger.Logger

	plainTransport *http.Transport

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// New wires an Engine from its already-constructed dependencies.
func New(cfg *config.Config, minter *certminter.Minter, store *trafficstore.Store, bus *eventbus.Bus, m *metrics.Metrics) *Engine {
	connectTimeout := time.Duration(cfg.UpstreamConnectTimeoutMs) * time.Millisecond
	return &Engine{
		cfg:     cfg,
		minter:  minter,
		store:   store,
		bus:     bus,
		metrics: m,
		log:     logger.New("PROXYENGINE", cfg.LogLevel),
		plainTransport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   connectTimeout,
			ExpectContinueTimeout: 1 * time.Second,
			// Upstream HTTP/2 is out of scope; force HTTP/1.1 framing.
			ForceAttemptHTTP2: false,
		},
	}
}

// StartResult is returned by Start.
type StartResult struct {
	Addr            string
	CertDownloadURL string
}

// Start binds the listening socket and begins serving. It returns
// immediately after the socket is bound; Serve runs in the background.
func (e *Engine) Start() (StartResult, error) {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return StartResult{}, fmt.Errorf("proxyengine: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           http.HandlerFunc(e.serveHTTP),
		ReadHeaderTimeout: time.Duration(e.cfg.UpstreamHeaderTimeoutMs) * time.Millisecond,
		IdleTimeout:       time.Duration(e.cfg.IdleTimeoutMs) * time.Millisecond,
	}

	e.mu.Lock()
	e.listener = ln
	e.server = srv
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			e.log.Errorf("serve", "listener error: %v", serveErr)
		}
	}()

	boundAddr := ln.Addr().String()
	return StartResult{
		Addr:            boundAddr,
		CertDownloadURL: certDownloadURL(boundAddr),
	}, nil
}

// Stop stops accepting new connections, gives in-flight connections a
// grace period to finish, then returns.
func (e *Engine) Stop() error {
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	e.wg.Wait()
	return err
}

// certDownloadURL is pass-through metadata for an external helper that
// serves the CA certificate to clients; the engine never serves it
// itself.
func certDownloadURL(boundAddr string) string {
	_, portStr, err := net.SplitHostPort(boundAddr)
	if err != nil {
		return ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ""
	}
	ip := firstNonLoopbackIPv4()
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d/", ip, port+1)
}

func firstNonLoopbackIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

// serveHTTP is the top-level dispatch: CONNECT enters TLS_INTERCEPT or
// TUNNEL; everything else is absolute-form HTTP_FORWARD.
func (e *Engine) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.handleConnect(w, r)
		return
	}
	e.handleForward(w, r)
}

// handleConnect implements the CONNECT branch of the per-connection state
// machine.
func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	authority := r.Host
	e.log.Infof("connect", "CONNECT %s", authority)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		e.log.Errorf("connect", "hijack failed for %s: %v", authority, err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		return
	}

	if !e.cfg.EnableHTTPS {
		e.tunnel(clientConn, authority)
		return
	}
	e.interceptTLS(clientConn, authority)
}

// tunnel splices bytes bidirectionally without inspecting them (TUNNEL
// state). No Exchange is captured.
func (e *Engine) tunnel(clientConn net.Conn, authority string) {
	defer clientConn.Close() //nolint:errcheck

	destConn, err := net.DialTimeout("tcp", authority, time.Duration(e.cfg.UpstreamConnectTimeoutMs)*time.Millisecond)
	if err != nil {
		e.log.Warnf("tunnel", "dial %s: %v", authority, err)
		return
	}
	defer destConn.Close() //nolint:errcheck

	e.metrics.RequestsTunneled.Add(1)

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(destConn, clientConn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(clientConn, destConn); done <- struct{}{} }()
	<-done
}

// interceptTLS performs the TLS_INTERCEPT transition: mint a leaf for the
// authority, handshake with the client, then drive a nested single-
// connection HTTP/1.1 server over the decrypted stream, forwarding each
// request to the same origin over its own TLS client connection.
func (e *Engine) interceptTLS(clientConn net.Conn, authority string) {
	targetHost, targetPort := splitHostPort(authority, "443")

	mintStart := time.Now()
	_, err := e.minter.CertFor(targetHost)
	e.metrics.RecordMintLatency(time.Since(mintStart))
	if err != nil {
		e.log.Errorf("intercept", "mint leaf for %s: %v", targetHost, err)
		_ = clientConn.Close()
		return
	}
	e.metrics.LeavesMinted.Add(1)

	tlsConn := tls.Server(clientConn, e.minter.TLSConfigForHost(targetHost))
	if err := tlsConn.Handshake(); err != nil {
		// Client TLS failure: drop the connection, no Exchange recorded.
		e.log.Warnf("intercept", "client TLS handshake failed for %s: %v", targetHost, err)
		e.metrics.RecordError(ErrClientTLS)
		_ = clientConn.Close()
		return
	}
	defer tlsConn.Close() //nolint:errcheck

	upstreamTransport := e.newUpstreamTLSTransport(targetHost, targetPort)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.handleExchange(w, r, "https", targetHost, upstreamTransport)
	})
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(e.cfg.UpstreamHeaderTimeoutMs) * time.Millisecond,
		IdleTimeout:       time.Duration(e.cfg.IdleTimeoutMs) * time.Millisecond,
	}
	ln := &singleConnListener{conn: tlsConn}
	_ = srv.Serve(ln) // always ErrServerClosed once the single connection is done
}

// newUpstreamTLSTransport builds an http.Transport whose every dial
// targets the same origin, regardless of the request URL the nested
// server hands it — the decrypted stream only ever carries requests for
// the CONNECT target.
func (e *Engine) newUpstreamTLSTransport(targetHost, targetPort string) *http.Transport {
	connectTimeout := time.Duration(e.cfg.UpstreamConnectTimeoutMs) * time.Millisecond
	addr := net.JoinHostPort(targetHost, targetPort)
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			// Standard certificate validation against the OS trust store:
			// tls.Config left otherwise at its zero value except ServerName.
			return tls.DialWithDialer(dialer, network, addr, &tls.Config{ServerName: targetHost})
		},
		TLSHandshakeTimeout: connectTimeout,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false,
	}
}

// handleForward implements the HTTP_FORWARD branch for absolute-form
// requests on the plain listener.
func (e *Engine) handleForward(w http.ResponseWriter, r *http.Request) {
	e.handleExchange(w, r, "http", "", e.plainTransport)
}

// handleExchange is the shared capture+forward path for both HTTP_FORWARD
// and TLS_INTERCEPT.
func (e *Engine) handleExchange(w http.ResponseWriter, r *http.Request, scheme, sniHost string, transport *http.Transport) {
	start := time.Now()
	traceID := uuid.New()

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if sniHost != "" {
		host = authorityWithPort(sniHost, r.Host)
	}
	fullURL := scheme + "://" + host + r.URL.RequestURI()

	reqHeaders := snapshotHeader(r.Header)

	capturedReqBody, reqTruncated, forwardBody := splitCapture(r.Body, e.cfg.CaptureBodyCapBytes)
	e.metrics.BytesCapturedRequest.Add(int64(len(capturedReqBody)))
	if reqTruncated {
		e.metrics.BodiesTruncated.Add(1)
	}

	id, err := e.store.InsertOpen(trafficstore.OpenFields{
		TraceID:          traceID,
		TimestampMs:      start.UnixMilli(),
		Method:           r.Method,
		URL:              fullURL,
		Host:             host,
		Path:             r.URL.RequestURI(),
		RequestHeaders:   reqHeaders,
		RequestBody:      capturedReqBody,
		RequestTruncated: reqTruncated,
	})
	if err != nil {
		e.log.Errorf("capture", "insert_open: %v", err)
		e.metrics.RecordError(ErrStoreWrite)
		http.Error(w, "proxy storage error", http.StatusBadGateway)
		return
	}
	e.metrics.RequestsTotal.Add(1)
	e.bus.Publish(eventbus.Event{
		Kind:    eventbus.RequestStarted,
		ID:      id,
		TraceID: traceID,
		View: requestView{
			ID: id, TraceID: traceID, TimestampMs: start.UnixMilli(),
			Method: r.Method, URL: fullURL, Host: host, Path: r.URL.RequestURI(),
			Headers: reqHeaders,
		},
	})

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, fullURL, forwardBody)
	if err != nil {
		e.failExchange(id, traceID, start, ErrUpstreamProtocol, w, err)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = r.Host
	outReq.ContentLength = r.ContentLength
	removeHopByHop(outReq.Header)

	// headerCtx only bounds the time to receive response headers: the
	// timer is stopped the instant RoundTrip returns, so a slow-but-
	// steady body transfer afterward is governed by r.Context() (client
	// disconnect) and the idle timeout, not this deadline.
	headerCtx, cancelHeaderCtx := context.WithCancel(r.Context())
	defer cancelHeaderCtx()
	headerTimer := time.AfterFunc(time.Duration(e.cfg.UpstreamHeaderTimeoutMs)*time.Millisecond, cancelHeaderCtx)
	outReq = outReq.WithContext(headerCtx)

	resp, err := transport.RoundTrip(outReq)
	headerTimer.Stop()
	if err != nil {
		e.failExchange(id, traceID, start, classifyUpstreamErr(err), w, err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	respHeaders := snapshotHeader(resp.Header)
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	capturedRespBody, respTruncated, respForClient := splitCapture(resp.Body, e.cfg.CaptureBodyCapBytes)
	e.metrics.BytesCapturedResponse.Add(int64(len(capturedRespBody)))
	if respTruncated {
		e.metrics.BodiesTruncated.Add(1)
	}

	outHeaders := resp.Header.Clone()
	removeHopByHop(outHeaders)
	copyHeader(w.Header(), outHeaders)
	w.WriteHeader(resp.StatusCode)

	_, copyErr := io.Copy(w, respForClient)
	duration := time.Since(start)
	e.metrics.RecordRequestLatency(duration)

	if copyErr != nil {
		// Client disconnected mid-response: mark status=0.
		e.log.Warnf("capture", "client disconnect writing response for id=%d: %v", id, copyErr)
		_ = e.store.Complete(id, trafficstore.CompleteFields{
			Status:            0,
			ResponseHeaders:   respHeaders,
			ContentType:       contentType,
			DurationMs:        duration.Milliseconds(),
			ResponseTruncated: respTruncated,
			ErrorKind:         ErrClientDisconnect,
		})
		e.metrics.RequestsFailed.Add(1)
		e.metrics.RecordError(ErrClientDisconnect)
		e.bus.Publish(eventbus.Event{Kind: eventbus.RequestFailed, ID: id, TraceID: traceID, ErrorKind: ErrClientDisconnect})
		return
	}

	err = e.store.Complete(id, trafficstore.CompleteFields{
		Status:            resp.StatusCode,
		ResponseHeaders:   respHeaders,
		ResponseBody:      capturedRespBody,
		ContentType:       contentType,
		DurationMs:        duration.Milliseconds(),
		ResponseTruncated: respTruncated,
	})
	if err != nil {
		e.log.Errorf("capture", "complete: %v", err)
		e.metrics.RecordError(ErrStoreWrite)
	}
	e.metrics.RequestsCompleted.Add(1)

	full, getErr := e.store.GetByID(id)
	var view any = full
	if getErr != nil || full == nil {
		view = nil
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.RequestCompleted, ID: id, TraceID: traceID, View: view})
}

// failExchange synthesizes a 502 to the client and completes the
// Exchange record with the given error kind. No retry is attempted.
func (e *Engine) failExchange(id int64, traceID uuid.UUID, start time.Time, kind string, w http.ResponseWriter, cause error) {
	e.log.Warnf("upstream", "id=%d kind=%s: %v", id, kind, cause)
	duration := time.Since(start)
	e.metrics.RecordRequestLatency(duration)
	e.metrics.RequestsFailed.Add(1)
	e.metrics.RecordError(kind)

	http.Error(w, fmt.Sprintf("proxy error (%s)", kind), http.StatusBadGateway)

	if err := e.store.Complete(id, trafficstore.CompleteFields{
		Status:     http.StatusBadGateway,
		DurationMs: duration.Milliseconds(),
		ErrorKind:  kind,
	}); err != nil {
		e.log.Errorf("upstream", "complete after failure: %v", err)
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.RequestFailed, ID: id, TraceID: traceID, ErrorKind: kind})
}

// requestView is the REQUEST_STARTED event payload: request-side fields
// only, since the response hasn't happened yet.
type requestView struct {
	ID          int64
	TraceID     uuid.UUID
	TimestampMs int64
	Method      string
	URL         string
	Host        string
	Path        string
	Headers     map[string]string
}

// classifyUpstreamErr maps a RoundTrip failure to one of the error
// kinds above.
func classifyUpstreamErr(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNSFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) || strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return ErrUpstreamTLS
	}
	return ErrUpstreamConnect
}

// splitCapture reads up to capBytes+1 from r, returning the first
// capBytes as captured, a truncated flag if more data followed, and a
// reader that replays the full original stream (captured bytes to any
// reader that already consumed them, remainder streamed directly from r)
// so forwarding is never limited by the capture cap.
func splitCapture(r io.Reader, capBytes int64) (captured []byte, truncated bool, full io.Reader) {
	if r == nil || capBytes <= 0 {
		return nil, false, r
	}
	buf, err := io.ReadAll(io.LimitReader(r, capBytes+1))
	if err != nil {
		return nil, false, r
	}
	if int64(len(buf)) > capBytes {
		return buf[:capBytes], true, io.MultiReader(bytes.NewReader(buf), r)
	}
	return buf, false, bytes.NewReader(buf)
}

// splitHostPort splits "host:port" or bare "host" (using defaultPort)
// into its components.
func splitHostPort(authority, defaultPort string) (host, port string) {
	h, p, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort
	}
	return h, p
}

// authorityWithPort rebuilds "host[:port]" using the port from
// candidateAuthority if present, else leaves host bare.
func authorityWithPort(host, candidateAuthority string) string {
	if _, port, err := net.SplitHostPort(candidateAuthority); err == nil && port != "" {
		return net.JoinHostPort(host, port)
	}
	return host
}

// singleConnListener wraps a single net.Conn as a net.Listener so a
// nested http.Server can drive HTTP/1.1 keep-alive over it.
type singleConnListener struct {
	conn net.Conn
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		select {} // block forever; Serve() calls Close() when the handler returns
	}
	l.done = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error { return l.conn.Close() }

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
