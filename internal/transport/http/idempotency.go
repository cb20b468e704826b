package http

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
)

// withIdempotency повторяет сохранённый ответ для уже обработанного
// Idempotency-Key и отклоняет тот же ключ с другим телом запроса.
func (h *Handler) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(idempotencyKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		sum := sha256.Sum256(body)
		requestHash := hex.EncodeToString(sum[:])

		record, err := h.idempotency.CreateProcessing(key, requestHash, time.Now().UTC().Add(idempotencyTTL))
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrIdempotencyHashMismatch):
				writeError(w, domain.ErrIdempotencyHashMismatch)
			case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				h.replayIdempotentResponse(w, record)
			default:
				h.logger.WithError(err).Warn("idempotency record create failed")
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			}
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if recorder.status < http.StatusInternalServerError {
			markErr := h.idempotency.MarkDone(key, recorder.body.Bytes(), recorder.status)
			if markErr != nil {
				h.logger.WithError(markErr).WithField("key", key).Warn("failed to mark idempotency key done")
			}
			return
		}
		if markErr := h.idempotency.MarkFailed(key, recorder.body.Bytes(), recorder.status); markErr != nil {
			h.logger.WithError(markErr).WithField("key", key).Warn("failed to mark idempotency key failed")
		}
	})
}

func (h *Handler) replayIdempotentResponse(w http.ResponseWriter, record domain.IdempotencyRecord) {
	if record.InFlight() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this idempotency key is being processed"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(record.HTTPStatus)
	_, _ = w.Write(record.ResponseBody)
}

// responseRecorder дублирует тело ответа для сохранения в idempotency-записи.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
