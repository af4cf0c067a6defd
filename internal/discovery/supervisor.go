// Package discovery manages product discovery sessions: it creates or resumes
// a requirements document, opens an interview conversation for it and persists
// every document update the model makes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/vibepm/internal/interview"
	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/internal/requirements"
	"github.com/MrWong99/vibepm/internal/store"
)

// CompletionMessage is spoken once a document reaches [requirements.StatusCompleted].
const CompletionMessage = "The requirements are complete. I've saved the final document."

// DefaultWriteTimeout bounds a single store write made by the persister.
const DefaultWriteTimeout = 10 * time.Second

func startGreeting(name string) string {
	return fmt.Sprintf("Hi! I'm your Product Architect. Let's start building %s. What's the main vision for this product?", name)
}

func resumeGreeting(name string) string {
	return fmt.Sprintf("Welcome back. We are working on %s. Where should we pick up?", name)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithOnComplete registers fn to receive [CompletionMessage] when a session's
// document is marked complete. fn runs on the session's update goroutine and
// must not block for long.
func WithOnComplete(fn func(text string)) Option {
	return func(s *Supervisor) { s.onComplete = fn }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithWriteTimeout overrides [DefaultWriteTimeout].
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Supervisor opens discovery sessions. It is safe for concurrent use.
type Supervisor struct {
	store        store.Store
	engine       *interview.Engine
	onComplete   func(string)
	metrics      *observe.Metrics
	writeTimeout time.Duration
}

// New creates a Supervisor that persists to st and interviews with engine.
func New(st store.Store, engine *interview.Engine, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:        st,
		engine:       engine,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Start creates and saves a new document called name and opens a session on it.
func (s *Supervisor) Start(ctx context.Context, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("discovery: start: empty product name")
	}

	p := requirements.NewProduct(name)
	id, err := s.store.Save(ctx, p)
	if err != nil {
		s.metrics.RecordDocumentWrite(ctx, "save", "error")
		return nil, fmt.Errorf("discovery: start %q: %w", name, err)
	}
	s.metrics.RecordDocumentWrite(ctx, "save", "ok")

	slog.Info("discovery session started", "document_id", id, "name", name)
	return s.open(id, p, startGreeting(name)), nil
}

// Resume opens a session on the stored document id. It returns an error
// wrapping [store.ErrNotFound] when no such document exists.
func (s *Supervisor) Resume(ctx context.Context, id string) (*Session, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("discovery: resume %q: %w", id, err)
	}
	if p == nil {
		return nil, fmt.Errorf("discovery: resume %q: %w", id, store.ErrNotFound)
	}

	slog.Info("discovery session resumed", "document_id", id, "name", p.Name, "status", p.Status)
	return s.open(id, p, resumeGreeting(p.Name)), nil
}

// ResumeLatest opens a session on the most recently updated document.
func (s *Supervisor) ResumeLatest(ctx context.Context) (*Session, error) {
	p, err := s.store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: resume latest: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("discovery: resume latest: %w", store.ErrNotFound)
	}

	slog.Info("discovery session resumed", "document_id", p.ID, "name", p.Name, "status", p.Status)
	return s.open(p.ID, p, resumeGreeting(p.Name)), nil
}

func (s *Supervisor) open(id string, p *requirements.Product, greeting string) *Session {
	p.ID = id
	sess := newSession(s, id, p, greeting)
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	return sess
}
