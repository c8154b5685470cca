package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/surface/sms"
)

// smsServer serves the inbound-message webhook of the SMS gateway.
type smsServer struct {
	hooks  *loom.Hooks
	logger *slog.Logger
}

func newSMSServer(hooks *loom.Hooks, logger *slog.Logger) *smsServer {
	return &smsServer{hooks: hooks, logger: logger}
}

func (s *smsServer) listen(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms/inbound", s.handleInbound)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("sms server stopped", "error", err)
	}
}

func (s *smsServer) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	form, err := parseForm(body)
	if err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	msg := sms.ParseWebhook(form)
	if msg == nil {
		http.Error(w, "missing sender", http.StatusBadRequest)
		return
	}
	if _, err := s.hooks.HandleText(r.Context(), sms.SurfaceID, msg); err != nil {
		s.logger.Error("sms inbound failed", "from", msg.From, "error", err)
	}

	// Empty TwiML response: no auto-reply from the webhook itself.
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

func parseForm(body []byte) (url.Values, error) {
	return url.ParseQuery(string(body))
}
