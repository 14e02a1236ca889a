package fakeapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"storefront/middleware"
	"storefront/utils"
)

const idempotencyTTL = 24 * time.Hour

type idemRecord struct {
	requestHash string
	done        bool
	status      int
	header      http.Header
	body        []byte
	expiresAt   time.Time
}

func computeRequestHash(r *http.Request, body []byte, userID string) string {
	h := sha256.New()
	h.Write([]byte(r.Method + ":" + r.URL.Path + ":" + userID + ":"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// idempotent replays the stored response when a request repeats an
// Idempotency-Key. The same key with a different payload is a conflict.
func (s *Server) idempotent(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r, ps)
			return
		}

		userID := middleware.UserID(r)
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := computeRequestHash(r, body, userID)
		scoped := userID + ":" + key

		s.mu.Lock()
		now := time.Now()
		rec, exists := s.idem[scoped]
		if exists && now.After(rec.expiresAt) {
			exists = false
		}
		if !exists {
			s.idem[scoped] = &idemRecord{requestHash: hash, expiresAt: now.Add(idempotencyTTL)}
		}
		s.mu.Unlock()

		if exists {
			switch {
			case rec.requestHash != hash:
				utils.RespondWithError(w, http.StatusConflict, "Idempotency key reused with a different request")
			case !rec.done:
				utils.RespondWithError(w, http.StatusConflict, "This request is already being processed")
			default:
				replay(w, rec)
			}
			return
		}

		buf := newBufferedWriter()
		next(buf, r, ps)

		s.mu.Lock()
		if buf.status >= http.StatusInternalServerError {
			// let the client retry a failed attempt with the same key
			delete(s.idem, scoped)
		} else if rec := s.idem[scoped]; rec != nil {
			rec.done = true
			rec.status = buf.status
			rec.header = buf.header.Clone()
			rec.body = append([]byte(nil), buf.body.Bytes()...)
		}
		s.mu.Unlock()

		buf.flush(w)
	}
}

func replay(w http.ResponseWriter, rec *idemRecord) {
	for k, vs := range rec.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(rec.status)
	_, _ = w.Write(rec.body)
}
