// Package apiserver exposes the job-coordination core's HTTP surface: the
// content-addressed audio fetch route (§6) and the session channel routes
// mounted by internal/session, on a chi router with the teacher's
// middleware and graceful-shutdown shape.
package apiserver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/audiocache"
	"github.com/voxstream/ttscore/internal/tracing"
)

// SessionRouter mounts the bidirectional session channel's routes.
type SessionRouter interface {
	Routes(r chi.Router)
}

// AudioCache is the slice of the audio cache the fetch route reads from.
type AudioCache interface {
	Get(fingerprint string) (*audiocache.Entry, bool)
}

// Server is the job-coordination core's HTTP server. It binds the chi
// router to the configured address and provides graceful shutdown.
type Server struct {
	router  chi.Router
	addr    string
	httpSrv *http.Server
}

// NewServer creates a Server exposing the audio fetch route and the
// session channel's routes, with the teacher's RealIP/Recoverer/tracing
// middleware stack.
func NewServer(session SessionRouter, cache AudioCache, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, tracingEnabled bool) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Get("/health", handleHealth)
	r.Get("/audio/{fingerprint}", handleAudio(cache))
	session.Routes(r)

	srv := &Server{
		router: r,
		addr:   addr,
	}
	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return srv
}

// Router returns the underlying chi.Router, useful for testing or
// additional route mounting by the caller.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening for HTTP connections on the configured address.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// StartTLS begins listening for HTTPS connections using the given
// certificate and key files.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server (TLS): %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleAudio serves GET /audio/{fingerprint_hex} per spec.md §6: the
// cached entry's bytes with Content-Type set to its codec, 404 if not
// cached. http.ServeContent gives range-request support for free.
func handleAudio(cache AudioCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fingerprint := chi.URLParam(r, "fingerprint")
		entry, ok := cache.Get(fingerprint)
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", codecToMIME(entry.Meta.Codec))
		http.ServeContent(w, r, fingerprint, entry.Meta.LastAccess, bytes.NewReader(entry.Audio))
	}
}

func codecToMIME(codec string) string {
	switch codec {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ogg", "opus":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		log.Debug().Str("codec", codec).Msg("apiserver: unrecognized codec, defaulting content-type")
		return "application/octet-stream"
	}
}
