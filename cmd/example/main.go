// Command example runs a small HTTP/3 echo server. Requests are answered
// with their own body; GET requests receive a short greeting. With
// -push-css, responses to "/" also push a stylesheet.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albertbausili/rapide/pkg/rapide"
)

func main() {
	fs := flag.NewFlagSet("example", flag.ContinueOnError)
	var (
		addr        = fs.String("addr", ":4433", "UDP address to listen on")
		certFile    = fs.String("cert", "", "TLS certificate file (self-signed when empty)")
		keyFile     = fs.String("key", "", "TLS key file")
		metricsAddr = fs.String("metrics-addr", "", "optional address for the Prometheus /metrics endpoint")
		pushCSS     = fs.Bool("push-css", false, "push /style.css alongside responses to /")
		verbose     = fs.Bool("verbose", false, "log connection events to stderr")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RAPIDE")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tlsConfig, err := loadTLS(*certFile, *keyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	config := rapide.DefaultConfig()
	config.Addr = *addr
	config.TLSConfig = tlsConfig
	if *verbose {
		config.Logger = log.New(os.Stderr, "rapide: ", log.LstdFlags)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				config.Logger.Printf("metrics endpoint: %v", err)
			}
		}()
	}

	handler := rapide.Chain(rapide.Tracing(), rapide.Prometheus())(
		newEchoHandler(*pushCSS),
	)

	server := rapide.New(config)
	if err := server.ListenAndServe(handler); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// echoHandler buffers each request's body and answers when the stream
// ends. Requests to "/" optionally trigger a stylesheet push.
type echoHandler struct {
	pushCSS bool

	mu       sync.Mutex
	requests map[string]*pendingRequest
}

type pendingRequest struct {
	method string
	path   string
	body   []byte
}

func newEchoHandler(pushCSS bool) *echoHandler {
	return &echoHandler{
		pushCSS:  pushCSS,
		requests: make(map[string]*pendingRequest),
	}
}

func (h *echoHandler) key(c *rapide.Conn, streamID uint64) string {
	return fmt.Sprintf("%s/%d", c.ID(), streamID)
}

func (h *echoHandler) OnHeaders(c *rapide.Conn, ev rapide.HeadersEvent) {
	if ev.PushID != nil {
		return // pushed responses are server-sent, nothing to answer
	}
	req := &pendingRequest{}
	for _, f := range ev.Headers {
		switch f[0] {
		case ":method":
			req.method = f[1]
		case ":path":
			req.path = f[1]
		}
	}
	h.mu.Lock()
	h.requests[h.key(c, ev.StreamID)] = req
	h.mu.Unlock()

	if ev.StreamEnded {
		h.respond(c, ev.StreamID, req)
	}
}

func (h *echoHandler) OnData(c *rapide.Conn, ev rapide.DataEvent) {
	h.mu.Lock()
	req, ok := h.requests[h.key(c, ev.StreamID)]
	if ok {
		req.body = append(req.body, ev.Data...)
	}
	h.mu.Unlock()
	if ok && ev.StreamEnded {
		h.respond(c, ev.StreamID, req)
	}
}

func (h *echoHandler) OnPushPromise(c *rapide.Conn, ev rapide.PushPromiseEvent) {}

func (h *echoHandler) respond(c *rapide.Conn, streamID uint64, req *pendingRequest) {
	h.mu.Lock()
	delete(h.requests, h.key(c, streamID))
	h.mu.Unlock()

	body := req.body
	if len(body) == 0 {
		body = []byte(fmt.Sprintf("hello from rapide: %s %s\n", req.method, req.path))
	}

	if h.pushCSS && req.path == "/" {
		h.pushStylesheet(c, streamID)
	}

	headers := [][2]string{
		{":status", "200"},
		{"content-type", "text/plain; charset=utf-8"},
		{"content-length", fmt.Sprintf("%d", len(body))},
	}
	if err := c.SendHeaders(streamID, headers, false); err != nil {
		return
	}
	_ = c.SendData(streamID, body, true)
}

func (h *echoHandler) pushStylesheet(c *rapide.Conn, streamID uint64) {
	promise := [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/style.css"},
	}
	pushStream, err := c.SendPushPromise(streamID, promise)
	if errors.Is(err, rapide.ErrNoAvailablePushID) {
		return // the client disabled push or exhausted the ceiling
	}
	if err != nil {
		return
	}
	css := []byte("body { font-family: sans-serif; }\n")
	_ = c.SendHeaders(pushStream, [][2]string{
		{":status", "200"},
		{"content-type", "text/css"},
		{"content-length", fmt.Sprintf("%d", len(css))},
	}, false)
	_ = c.SendData(pushStream, css, true)
}

// loadTLS loads the given certificate pair, or generates a self-signed
// certificate for local testing when none is configured.
func loadTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}, nil
}
