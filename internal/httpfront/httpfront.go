// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package httpfront is the TLS-terminating HTTP/1 server that enforces
// loopback policy, serves cached items by hash and redirects to peers on a
// local miss (spec.md §4.3).
package httpfront

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hughsie/passim/internal/daemonstate"
	"github.com/hughsie/passim/internal/discovery"
	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
)

// Server is the HttpFront handler. It never touches Store/Announcer state
// directly: every lookup and mutation runs through the Reactor (spec.md
// §5).
type Server struct {
	reactor        *daemonstate.Reactor
	assetsDir      string
	log            *slog.Logger
	httpServer     *http.Server
	metricsHandler http.Handler
}

// New builds a Server that runs every lookup through reactor and serves
// static assets from assetsDir. gatherer feeds the loopback-only
// /metrics route (SPEC_FULL.md §4.3); a nil gatherer disables that route
// with a 404.
func New(reactor *daemonstate.Reactor, assetsDir string, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	s := &Server{reactor: reactor, assetsDir: assetsDir, log: log}
	if gatherer != nil {
		s.metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve accepts connections on ln, which the caller has already wrapped for
// TLS, until ctx is canceled, at which point it shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
	}()
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return errs.Wrap(errs.Transport, err, "http front serve")
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusForbidden)
		return
	}

	switch {
	case r.URL.Path == "/":
		s.handleIndex(w, r)
	case r.URL.Path == "/style.css", r.URL.Path == "/favicon.ico":
		s.handleAsset(w, r)
	case r.URL.Path == "/metrics":
		s.handleMetrics(w, r)
	default:
		s.handleShare(w, r)
	}
}

// handleMetrics serves the Prometheus registry on a loopback-only route
// (SPEC_FULL.md §4.3, "/metrics (loopback-only, same gating as /)").
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.metricsHandler == nil {
		http.NotFound(w, r)
		return
	}
	s.metricsHandler.ServeHTTP(w, r)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	items := daemonstate.Call(s.reactor, func(st *daemonstate.State) []*item.Item {
		return st.Store.Items()
	})
	if err := indexTemplate.Execute(w, items); err != nil {
		s.log.Warn("render index failed", "err", err)
	}
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	path := filepath.Join(s.assetsDir, filepath.Base(r.URL.Path))
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handleShare implements the state machine in spec.md §4.3.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	basename := strings.TrimPrefix(r.URL.Path, "/")
	if basename == "" || strings.Contains(basename, "/") {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if !q.Has("sha256") {
		http.Error(w, "missing required query parameter sha256", http.StatusBadRequest)
		return
	}
	hash := q.Get("sha256")
	if !validHashToken(hash) {
		http.Error(w, "malformed hash: must be 64 lowercase hex characters", http.StatusNotAcceptable)
		return
	}

	it := daemonstate.Call(s.reactor, func(st *daemonstate.State) *item.Item {
		found, ok := st.Store.Get(hash)
		if !ok {
			return nil
		}
		return found
	})

	if it != nil {
		s.serveOrRedirectHit(w, r, basename, it)
		return
	}

	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.redirectToPeer(w, r, basename, hash)
}

func (s *Server) serveOrRedirectHit(w http.ResponseWriter, r *http.Request, basename string, it *item.Item) {
	if it.Flags.Disabled() {
		http.Error(w, "item is disabled", http.StatusLocked)
		return
	}

	f, err := os.Open(it.Storage.Path)
	if err != nil {
		s.log.Warn("share: open failed", "hash", it.Hash, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, basename))
	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, basename, it.Ctime, f)

	// spec.md §5: "share_count increment occurs after the response body is
	// fully sent; a download cut off mid-stream does NOT count".
	if uint64(cw.written) != it.Size {
		return
	}
	daemonstate.Call(s.reactor, func(st *daemonstate.State) struct{} {
		evicted, err := st.Store.RecordShare(it.Hash)
		if err != nil {
			s.log.Warn("share: record share failed", "hash", it.Hash, "err", err)
			return struct{}{}
		}
		if st.Metrics != nil {
			st.Metrics.RecordShare(it.Size, st.Config.CarbonCost/float64(1<<30))
		}
		st.RecordSavings(it.Size, st.Config.CarbonCost/float64(1<<30))
		if evicted && st.Announcer != nil {
			reregister(st)
		}
		return struct{}{}
	})
}

func (s *Server) redirectToPeer(w http.ResponseWriter, r *http.Request, basename, hash string) {
	var peers []discovery.Peer
	announcer := daemonstate.Call(s.reactor, func(st *daemonstate.State) discovery.Announcer { return st.Announcer })
	if announcer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), discovery.FindTimeout)
		defer cancel()
		found, err := announcer.Find(ctx, hash)
		if err != nil {
			s.log.Warn("discovery find failed", "hash", hash, "err", err)
		}
		peers = found
	}
	if len(peers) == 0 {
		http.NotFound(w, r)
		return
	}
	peer := peers[rand.Intn(len(peers))]
	loc := fmt.Sprintf("https://%s/%s?sha256=%s", hostPort(peer), basename, hash)
	http.Redirect(w, r, loc, http.StatusSeeOther)
}

// reregister re-announces the current item set after a store mutation,
// e.g. a share-limit eviction (spec.md §5, "Discovery re-registration is
// performed after ItemStore mutation completes").
func reregister(st *daemonstate.State) {
	items := st.Store.Items()
	hashes := make([]string, 0, len(items))
	for _, it := range items {
		if !it.Flags.Disabled() {
			hashes = append(hashes, it.Hash)
		}
	}
	_ = st.Announcer.Announce(hashes)
}

func hostPort(p discovery.Peer) string {
	host := p.Host
	if p.Addr != nil {
		host = p.Addr.String()
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(p.Port)
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validHashToken(h string) bool {
	if len(h) != 64 {
		return false
	}
	for _, r := range h {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// countingWriter tracks bytes actually written to the client so the share
// handler can tell a completed transfer from one cut off mid-stream.
type countingWriter struct {
	http.ResponseWriter
	written int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.written += int64(n)
	return n, err
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>passim</title><link rel="stylesheet" href="/style.css"></head>
<body>
<h1>passim</h1>
<table>
<tr><th>basename</th><th>hash</th><th>size</th><th>shares</th><th>max-age</th></tr>
{{range .}}<tr><td>{{.Basename}}</td><td>{{.Hash}}</td><td>{{.Size}}</td><td>{{.ShareCount}}/{{.ShareLimit}}</td><td>{{.MaxAge}}</td></tr>
{{end}}
</table>
</body></html>
`))
