package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pm_chat/internal/metrics"
	"pm_chat/internal/model"
	"pm_chat/internal/utils/log"
)

type publicKeyBody struct {
	ID          string `json:"id"`
	PublicKey   []byte `json:"publicKey"`
	PushAddress string `json:"pushAddress,omitempty"`
}

// HandlePoll serves GET /api/poll?since=<unix seconds>[&hold=<seconds>].
// The request is held until a message is stored for the caller or the hold
// ceiling passes. Returned messages stay undelivered until the client acks
// them through HandlePollAck.
func (s *HttpServer) HandlePoll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.bearerUser(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		since, err := parseInt(q.Get("since"), 0)
		if err != nil || since < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		hold := s.cfg.PollHold
		if v := q.Get("hold"); v != "" {
			secs, err := parseInt(v, 0)
			if err != nil || secs < 0 {
				http.Error(w, "invalid hold", http.StatusBadRequest)
				return
			}
			hold = min(time.Duration(secs)*time.Second, s.cfg.PollHold)
		}
		interval := s.cfg.PollCheckInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}

		metrics.PollRequests.Inc()
		start := s.now()
		defer func() { metrics.PollDuration.Observe(time.Since(start).Seconds()) }()

		ctx := r.Context()
		deadline := time.NewTimer(hold)
		defer deadline.Stop()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			messages, err := s.messages.FindForRecipient(ctx, userID, since)
			if err != nil {
				log.Error("poll lookup failed", zap.String("user", userID), zap.Error(err))
				http.Error(w, "poll failed", http.StatusInternalServerError)
				return
			}
			if len(messages) > 0 {
				writeJSON(w, http.StatusOK, model.PollResponse{Messages: messages})
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				writeJSON(w, http.StatusOK, model.PollResponse{})
				return
			case <-ticker.C:
			}
		}
	}
}

// HandlePollAck serves POST /api/poll/ack. It marks the caller's listed
// messages delivered and acks their senders; ids of other recipients are
// ignored.
func (s *HttpServer) HandlePollAck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.bearerUser(w, r)
		if !ok {
			return
		}

		var body model.PollAck
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		messages, err := s.messages.FindByIDs(r.Context(), userID, body.MessageIDs)
		if err != nil {
			log.Error("poll ack lookup failed", zap.String("user", userID), zap.Error(err))
			http.Error(w, "ack failed", http.StatusInternalServerError)
			return
		}
		for _, m := range messages {
			s.markDelivered(r.Context(), m)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		user, err := s.users.GetByID(r.Context(), id)
		if err != nil {
			log.Error("get public key failed", zap.String("id", id), zap.Error(err))
			http.Error(w, "get public key failed", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, publicKeyBody{ID: user.ID, PublicKey: user.PublicKey})
	}
}

// PutPublicKey lets an authenticated user publish their own key. A changed
// key resets every peer's conversation with that user.
func (s *HttpServer) PutPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.bearerUser(w, r)
		if !ok {
			return
		}
		id := mux.Vars(r)["id"]
		if id != userID {
			http.Error(w, "cannot publish another user's key", http.StatusForbidden)
			return
		}

		var body publicKeyBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if len(body.PublicKey) != 32 {
			http.Error(w, "public key must be 32 bytes", http.StatusBadRequest)
			return
		}

		prev, err := s.users.GetByID(r.Context(), id)
		if err != nil {
			log.Error("get public key failed", zap.String("id", id), zap.Error(err))
			http.Error(w, "publish key failed", http.StatusInternalServerError)
			return
		}
		if prev != nil && len(prev.PublicKey) > 0 && string(prev.PublicKey) != string(body.PublicKey) {
			log.Warn("identity re-keyed, peer conversations will reset", zap.String("id", id))
		}

		if err := s.users.Upsert(r.Context(), &model.Identity{ID: id, PublicKey: body.PublicKey, PushAddress: body.PushAddress}); err != nil {
			log.Error("publish key failed", zap.String("id", id), zap.Error(err))
			http.Error(w, "publish key failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) bearerUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return "", false
	}
	userID, err := s.tokens.Verify(token)
	if err != nil {
		metrics.AuthFailures.Inc()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func parseInt(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
