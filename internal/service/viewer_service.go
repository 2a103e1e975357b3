// Package service ties an image loader to viewer sessions: each session owns
// a view compositor, and the service renders and caches its previews.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keller-mark/viv/internal/cache"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/render"
)

var (
	// ErrSessionNotFound is returned for an unknown or expired session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrViewNotFound is returned when a session has no view with the given id.
	ErrViewNotFound = errors.New("view not found")
)

// ViewerConfig holds the session defaults.
type ViewerConfig struct {
	MaxConcurrentFetches int64
	DetailWidth          float64
	DetailHeight         float64
	ZoomBackOff          float64
	OverviewScale        float64
	OverviewPosition     string
	// SessionTTL is how long an untouched session lives. Zero keeps sessions forever.
	SessionTTL time.Duration
}

// ViewerServiceConfig contains viewer service configuration.
type ViewerServiceConfig struct {
	DatasetID string
	Title     string
	Loader    pixel.Loader
	Cache     *cache.Manager
	Renderer  *render.Renderer
	// Resolver memoizes volume geometry; it may be shared between datasets.
	Resolver *geometry.Resolver
	Viewer   ViewerConfig
	Log      *logrus.Entry
}

// ViewerService serves one dataset: its metadata, the sessions opened on it
// and their previews.
type ViewerService struct {
	datasetID string
	title     string
	loader    pixel.Loader
	cache     *cache.Manager
	renderer  *render.Renderer
	resolver  *geometry.Resolver
	viewer    ViewerConfig
	log       *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session

	metaOnce sync.Once
	meta     Metadata

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewViewerService creates a viewer service.
func NewViewerService(cfg ViewerServiceConfig) (*ViewerService, error) {
	if len(cfg.Loader) == 0 {
		return nil, fmt.Errorf("dataset %q has no pixel source", cfg.DatasetID)
	}
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewRenderer(render.Config{})
	}
	if cfg.Viewer.DetailWidth <= 0 {
		cfg.Viewer.DetailWidth = 1024
	}
	if cfg.Viewer.DetailHeight <= 0 {
		cfg.Viewer.DetailHeight = 768
	}
	if cfg.Resolver == nil {
		r, err := geometry.NewResolver(0)
		if err != nil {
			return nil, err
		}
		cfg.Resolver = r
	}

	return &ViewerService{
		datasetID: datasetID,
		title:     cfg.Title,
		loader:    cfg.Loader,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		resolver:  cfg.Resolver,
		viewer:    cfg.Viewer,
		log:       log.WithField("dataset", datasetID),
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
	}, nil
}

// DatasetID returns the dataset this service serves.
func (s *ViewerService) DatasetID() string { return s.datasetID }

// Title returns the display title of the dataset.
func (s *ViewerService) Title() string {
	if s.title != "" {
		return s.title
	}
	return s.datasetID
}

// Loader returns the dataset's pixel loader.
func (s *ViewerService) Loader() pixel.Loader { return s.loader }

// LevelInfo describes one resolution level.
type LevelInfo struct {
	Shape    []int `json:"shape"`
	TileSize int   `json:"tileSize"`
}

// Metadata describes a dataset's image.
type Metadata struct {
	ID            string                        `json:"id"`
	Title         string                        `json:"title"`
	Type          string                        `json:"type"`
	Labels        []string                      `json:"labels"`
	Levels        []LevelInfo                   `json:"levels"`
	IsPyramid     bool                          `json:"isPyramid"`
	PhysicalSizes map[string]pixel.PhysicalSize `json:"physicalSizes,omitempty"`
	Width         int                           `json:"width"`
	Height        int                           `json:"height"`
	Depth         int                           `json:"depth,omitempty"`
	Channels      int                           `json:"channels,omitempty"`
}

// Metadata returns the image description.
func (s *ViewerService) Metadata() Metadata {
	s.metaOnce.Do(func() {
		base := s.loader[0]
		md := Metadata{
			ID:            s.datasetID,
			Title:         s.Title(),
			Type:          s.loader.Type(),
			Labels:        base.Labels(),
			IsPyramid:     s.loader.IsPyramid(),
			PhysicalSizes: s.loader.PhysicalSizes(),
		}
		for _, src := range s.loader {
			md.Levels = append(md.Levels, LevelInfo{Shape: src.Shape(), TileSize: src.TileSize()})
		}
		md.Width, _ = pixel.AxisSize(base, "x")
		md.Height, _ = pixel.AxisSize(base, "y")
		md.Depth, _ = pixel.AxisSize(base, "z")
		md.Channels, _ = pixel.AxisSize(base, "c")
		s.meta = md
	})
	return s.meta
}

// MetadataJSON returns the encoded metadata, cached in the query cache.
func (s *ViewerService) MetadataJSON() ([]byte, error) {
	key := cache.MetadataKey(s.datasetID)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}
	data, err := json.Marshal(s.Metadata())
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}

// CreateSession opens a session. Configuration problems in req are returned
// before the session is registered.
func (s *ViewerService) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	id := uuid.NewString()
	sess, err := newSession(ctx, s, id, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	sess.log.WithField("sessions", n).Info("Session created")
	return sess, nil
}

// Session returns a live session and marks it used.
func (s *ViewerService) Session(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.touch()
	return sess, nil
}

// DeleteSession closes a session and cancels its pending fetches.
func (s *ViewerService) DeleteSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.close()
	sess.log.Info("Session deleted")
	return nil
}

// SessionCount returns the number of live sessions.
func (s *ViewerService) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start runs the expiry sweeper when a session TTL is configured.
func (s *ViewerService) Start() {
	if s.viewer.SessionTTL <= 0 {
		return
	}
	s.wg.Add(1)
	go s.sweeper()
}

// Stop ends the sweeper and closes every session.
func (s *ViewerService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		s.mu.Lock()
		sessions := s.sessions
		s.sessions = make(map[string]*Session)
		s.mu.Unlock()
		for _, sess := range sessions {
			sess.close()
		}
	})
}

func (s *ViewerService) sweeper() {
	defer s.wg.Done()
	period := s.viewer.SessionTTL / 2
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

// expire closes sessions idle for longer than the TTL.
func (s *ViewerService) expire(now time.Time) int {
	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		if now.Sub(sess.lastUsed()) > s.viewer.SessionTTL {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.close()
	}
	if len(expired) > 0 {
		s.log.WithField("expired", len(expired)).Info("Expired idle sessions")
	}
	return len(expired)
}
