// Package api exposes the engine over HTTP for the serve command.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/facegate/internal/metrics"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/verify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// MaxUploadSize caps reference uploads.
const MaxUploadSize = 16 << 20

// Snapshotter grabs one frame from the camera for enrollment.
type Snapshotter func(ctx context.Context) (image.Image, error)

type Server struct {
	engine   *verify.Engine
	metrics  *metrics.Manager
	snapshot Snapshotter
	log      *zap.Logger
	router   chi.Router
}

type Option func(*Server)

func WithMetrics(m *metrics.Manager) Option {
	return func(s *Server) { s.metrics = m }
}

func WithSnapshotter(fn Snapshotter) Option {
	return func(s *Server) { s.snapshot = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(engine *verify.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, log: zap.NewNop(), router: chi.NewRouter()}
	for _, o := range opts {
		o(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/status", s.status)
	s.router.Get("/decision", s.lastDecision)

	s.router.Route("/reference", func(r chi.Router) {
		r.Post("/", s.uploadReference)
		r.Post("/capture", s.captureReference)
		r.Delete("/", s.clearReference)
	})

	s.router.Post("/session/start", s.startSession)
	s.router.Post("/session/stop", s.stopSession)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

type referenceView struct {
	Source     types.Source `json:"source"`
	SetAt      uint64       `json:"set_at"`
	EnrolledAt time.Time    `json:"enrolled_at"`
	Dimensions int          `json:"dimensions"`
}

func viewReference(ref *types.ReferenceIdentity) *referenceView {
	if ref == nil {
		return nil
	}
	return &referenceView{Source: ref.Source, SetAt: ref.SetAt, EnrolledAt: ref.EnrolledAt, Dimensions: len(ref.Embedding)}
}

type statusResponse struct {
	State          types.EngineState `json:"state"`
	ReferenceReady bool              `json:"reference_ready"`
	Reference      *referenceView    `json:"reference,omitempty"`
	Cadence        int               `json:"cadence"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		State:          s.engine.State(),
		ReferenceReady: s.engine.IsReady(),
		Reference:      viewReference(s.engine.Reference()),
		Cadence:        s.engine.Options().Cadence,
	})
}

type decisionResponse struct {
	Seq         int64               `json:"seq"`
	Label       types.DecisionLabel `json:"label"`
	Text        string              `json:"text"`
	PersonCount int                 `json:"person_count"`
	types.FaceMatch
	At time.Time `json:"at"`
}

func (s *Server) lastDecision(w http.ResponseWriter, r *http.Request) {
	d, ok := s.engine.LastDecision()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, decisionResponse{
		Seq:         d.Seq,
		Label:       d.Label,
		Text:        d.Label.String(),
		PersonCount: d.Detection.PersonCount,
		FaceMatch:   d.Match,
		At:          d.At,
	})
}

// uploadReference accepts either a multipart form with an "image" file or a raw image body.
func (s *Server) uploadReference(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	var data []byte
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			respondError(w, http.StatusBadRequest, "failed to parse multipart form")
			return
		}
		file, _, ferr := r.FormFile("image")
		if ferr != nil {
			respondError(w, http.StatusBadRequest, "missing image file")
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	ref, err := s.engine.EnrollFromUpload(r.Context(), data)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewReference(ref))
}

func (s *Server) captureReference(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		respondError(w, http.StatusNotImplemented, "no capture device configured")
		return
	}
	if s.engine.State() == types.Running {
		s.respondEngineError(w, verify.ErrEngineBusy)
		return
	}

	frame, err := s.snapshot(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	ref, err := s.engine.EnrollFromCapture(r.Context(), frame)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewReference(ref))
}

func (s *Server) clearReference(w http.ResponseWriter, r *http.Request) {
	s.engine.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.status(w, r)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	s.status(w, r)
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, verify.ErrInvalidImage):
		status = http.StatusBadRequest
	case errors.Is(err, verify.ErrNoFaceFound):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, verify.ErrEngine):
		status = http.StatusConflict
	case errors.Is(err, verify.ErrAcquisition), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	respondError(w, status, err.Error())
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
