package handlers

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router wires every handler of Main, behind request ID, panic recovery and access log middleware.
func (m *Main) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(m.accessLog)
	r.Use(m.recoverer)

	r.Get("/", m.HandleHome)
	r.Get("/healthz", handleHealth)
	r.Get("/models", m.HandleModels)

	r.Post("/chats", m.HandleChats)
	r.Get("/chats/{chatID}/messages", m.HandleMessages)
	r.Post("/chats/{chatID}/cancel", m.HandleCancel)

	r.Handle("/sse/messages", m.sseSrv)
	r.Handle("/sse/chats", m.sseSrv)

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// recoverer converts panics to 500s and logs the stack.
func (m *Main) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				m.logger.Error("Panic while serving request",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("reqID", middleware.GetReqID(r.Context())))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one log line per request. SSE connections are logged when they close.
func (m *Main) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		m.logger.Info("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("reqID", middleware.GetReqID(r.Context())))
	})
}
