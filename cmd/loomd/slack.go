package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/surface/slack"
)

const slackTimestampSkew = 5 * time.Minute

// slackServer serves the Events API and interactivity webhooks.
type slackServer struct {
	hooks         *loom.Hooks
	signingSecret string
	logger        *slog.Logger
}

func newSlackServer(hooks *loom.Hooks, signingSecret string, logger *slog.Logger) *slackServer {
	return &slackServer{hooks: hooks, signingSecret: signingSecret, logger: logger}
}

func (s *slackServer) listen(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /slack/events", s.handleEvents)
	mux.HandleFunc("POST /slack/interactions", s.handleInteractions)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("slack server stopped", "error", err)
	}
}

func (s *slackServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedBody(w, r)
	if !ok {
		return
	}

	var envelope struct {
		Type      string          `json:"type"`
		Challenge string          `json:"challenge,omitempty"`
		Event     json.RawMessage `json:"event,omitempty"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	switch envelope.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(envelope.Challenge))
		return
	case "event_callback":
		var event slack.MessageEvent
		if err := json.Unmarshal(envelope.Event, &event); err == nil && event.Type == "message" {
			if _, err := s.hooks.HandleText(r.Context(), slack.SurfaceID, &event); err != nil {
				s.logger.Error("slack event failed", "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *slackServer) handleInteractions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedBody(w, r)
	if !ok {
		return
	}

	// Interactivity posts arrive form-encoded with the JSON in the
	// payload field.
	values, err := parseForm(body)
	if err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	payload, err := slack.ParseInteraction([]byte(values.Get("payload")))
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	switch payload.Type {
	case "view_submission":
		if _, err := s.hooks.HandleModalSubmit(r.Context(), slack.SurfaceID, payload); err != nil {
			s.logger.Error("slack modal submit failed", "error", err)
		}
	default:
		if _, err := s.hooks.HandleCallback(r.Context(), slack.SurfaceID, payload); err != nil {
			s.logger.Error("slack interaction failed", "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// verifiedBody reads the request body and checks the Slack signature.
// Writes the error response itself when verification fails.
func (s *slackServer) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return nil, false
	}
	if s.signingSecret == "" {
		return body, true
	}

	ts := r.Header.Get("X-Slack-Request-Timestamp")
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || math.Abs(float64(time.Now().Unix()-tsInt)) > slackTimestampSkew.Seconds() {
		http.Error(w, "stale timestamp", http.StatusUnauthorized)
		return nil, false
	}

	mac := hmac.New(sha256.New, []byte(s.signingSecret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(r.Header.Get("X-Slack-Signature"))) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}
