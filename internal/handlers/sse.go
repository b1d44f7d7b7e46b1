package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"coinalert/internal/logger"
	"coinalert/internal/models"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	clientBuffer      = 10
	heartbeatInterval = 15 * time.Second
)

// EventSource yields fired alert events, e.g. a Redis subscription
type EventSource interface {
	Receive(ctx context.Context) (models.AlertEvent, error)
}

// Stream fans fired alerts out to Server-Sent Events clients
type Stream struct {
	mu        sync.Mutex
	clients   map[chan models.AlertEvent]string
	heartbeat time.Duration
	log       *zap.Logger
}

// NewStream creates an empty stream hub
func NewStream(log *zap.Logger) *Stream {
	return &Stream{
		clients:   make(map[chan models.AlertEvent]string),
		heartbeat: heartbeatInterval,
		log:       logger.OrNop(log),
	}
}

// Run forwards events from src to connected clients until ctx is done
func (s *Stream) Run(ctx context.Context, src EventSource) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	s.log.Info("Starting to listen for alert events")

	for {
		event, err := src.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d := b.Duration()
			s.log.Error("Error receiving alert event", zap.Duration("retry_in", d), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
		s.Broadcast(event)
	}
}

// Broadcast sends event to every client subscribed to its user, or to all users
func (s *Stream) Broadcast(event models.AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch, userID := range s.clients {
		if userID != "" && userID != event.UserID {
			continue
		}
		select {
		case ch <- event:
		default:
			s.log.Warn("Alert event dropped due to slow client", zap.String("alert_id", event.AlertID))
		}
	}
}

// Clients returns the number of connected clients
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Stream) add(userID string) (chan models.AlertEvent, int) {
	ch := make(chan models.AlertEvent, clientBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[ch] = userID
	return ch, len(s.clients)
}

func (s *Stream) remove(ch chan models.AlertEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, ch)
	return len(s.clients)
}

// ServeHTTP streams fired alerts. The optional user_id query parameter narrows the
// stream to one user.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	userID := r.URL.Query().Get("user_id")
	ch, total := s.add(userID)
	s.log.Info("New SSE client connected", zap.String("user_id", userID), zap.Int("total_clients", total))
	defer func() {
		total := s.remove(ch)
		s.log.Info("SSE client disconnected", zap.Int("total_clients", total))
	}()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				s.log.Error("Failed to marshal alert event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: alert\ndata: %s\n\n", data); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debug("SSE write failed", zap.Error(err))
				}
				return
			}
			flusher.Flush()
		}
	}
}
