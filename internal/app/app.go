package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type appHandler struct {
	log zerolog.Logger
	fn  func(http.ResponseWriter, *http.Request) error
}

func (h appHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.fn(w, r)
	if err == nil {
		return
	}
	e := toAppError(err)
	ev := h.log.Warn()
	if e.Code >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("code", e.Code).Msg("request failed")
	replyJSON(w, e, e.Code)
}

// Options bound the request bodies the API accepts.
type Options struct {
	MaxFileSize  int64
	MaxChunkSize int64
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Register API endpoints to the router.
func SetupRoutes(r *mux.Router, relay Relay, health HealthChecker, opts Options, log zerolog.Logger) {
	c := &controller{relay: relay, health: health, opts: opts}
	handle := func(fn func(http.ResponseWriter, *http.Request) error) http.Handler {
		return appHandler{log: log, fn: fn}
	}
	r.Use(accessLog(log))
	r.Methods("POST").Path("/upload").Handler(handle(c.upload))
	r.Methods("POST").Path("/generate-upload-url").Handler(handle(c.generateUploadURL))
	r.Methods("POST").Path("/multipart-upload").Handler(handle(c.multipartUpload))
	r.Methods("GET").Path("/status/{job_id}").Handler(handle(c.status))
	r.Methods("GET").Path("/healthz").Handler(handle(c.healthz))
	if opts.Metrics != nil {
		r.Methods("GET").Path("/metrics").Handler(opts.Metrics)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func accessLog(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("code", rec.code).
				Dur("duration", time.Since(start)).
				Msg("request served")
		})
	}
}

const maxRequestSize = 1 << 20

// Parse incoming request body as JSON object.
func parseJSON(w http.ResponseWriter, r *http.Request, data interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(data); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &AppError{Code: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		}
		return &AppError{Code: http.StatusBadRequest, Message: "cannot parse JSON from request body: " + err.Error()}
	}
	return nil
}

// Respond the output with JSON format to the client.
func replyJSON(w http.ResponseWriter, data interface{}, code int) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
