package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vibepm/internal/export"
	"github.com/MrWong99/vibepm/internal/interview"
	"github.com/MrWong99/vibepm/internal/requirements"
)

// ErrClosed is returned by Session methods called after [Session.Close].
var ErrClosed = errors.New("discovery: session closed")

// Session is one discovery conversation bound to one stored document.
// It implements the turn package's Replier.
type Session struct {
	sup      *Supervisor
	id       string
	greeting string
	conv     *interview.Conversation

	mu      sync.Mutex
	doc     *requirements.Product
	pending *requirements.Product
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	group     *errgroup.Group
}

func newSession(sup *Supervisor, id string, doc *requirements.Product, greeting string) *Session {
	s := &Session{
		sup:      sup,
		id:       id,
		greeting: greeting,
		conv:     sup.engine.StartConversation(nil),
		doc:      doc,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		group:    &errgroup.Group{},
	}
	if err := s.conv.SetDocument(doc); err != nil {
		slog.Warn("discovery: document snapshot failed", "document_id", id, "err", err)
	}
	s.group.Go(s.persist)
	return s
}

// ID returns the document id.
func (s *Session) ID() string { return s.id }

// Greeting returns the first utterance of the session.
func (s *Session) Greeting() string { return s.greeting }

// Document returns a deep copy of the latest accepted document.
func (s *Session) Document() (*requirements.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// StreamReply submits the user's words to the interview and streams the reply.
func (s *Session) StreamReply(ctx context.Context, text string) (<-chan interview.Fragment, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return s.sup.engine.StreamReply(ctx, s.conv, text, s.apply)
}

// apply accepts a document submitted by the model and queues it for
// persistence. Only the newest queued document is written.
func (s *Session) apply(p *requirements.Product) {
	ctx := context.Background()
	log := slog.With("document_id", s.id)

	if err := requirements.Validate(p); err != nil {
		log.Warn("discovery: rejected document update", "err", err)
		s.sup.metrics.RecordDocumentWrite(ctx, "update", "invalid")
		return
	}
	p.ID = s.id
	p.Normalize()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Warn("discovery: document update after close dropped")
		return
	}
	completed := p.Status == requirements.StatusCompleted && s.doc.Status != requirements.StatusCompleted
	s.doc = p
	s.pending = p
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	log.Debug("document updated", "status", p.Status,
		"functional", len(p.Requirements.Functional),
		"stories", len(p.UserStories))

	if completed {
		log.Info("requirements completed")
		if s.sup.onComplete != nil {
			s.sup.onComplete(CompletionMessage)
		}
	}
}

// persist writes queued documents until the session is closed, then flushes
// the last one. It returns the error of the most recent write.
func (s *Session) persist() error {
	var last error
	for {
		select {
		case <-s.wake:
			if p := s.take(); p != nil {
				last = s.write(p)
			}
		case <-s.done:
			if p := s.take(); p != nil {
				last = s.write(p)
			}
			return last
		}
	}
}

func (s *Session) take() *requirements.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

func (s *Session) write(p *requirements.Product) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.sup.writeTimeout)
	defer cancel()

	doc, err := p.Clone()
	if err != nil {
		return err
	}
	if err := s.sup.store.Update(ctx, s.id, doc); err != nil {
		slog.Warn("discovery: persist document", "document_id", s.id, "err", err)
		s.sup.metrics.RecordDocumentWrite(ctx, "update", "error")
		return fmt.Errorf("discovery: persist %q: %w", s.id, err)
	}
	s.sup.metrics.RecordDocumentWrite(ctx, "update", "ok")
	return nil
}

// Export writes PRD.md and spec.yaml for the current document into dir and
// returns the written paths.
func (s *Session) Export(dir string) ([]string, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	return export.WriteFiles(dir, doc)
}

// Close stops accepting updates, waits for pending writes and returns the
// error of the last write attempt. Close is idempotent; later calls return
// the same result once the persister has stopped.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.sup.metrics.ActiveSessions.Add(context.Background(), -1)
	})

	result := make(chan error, 1)
	go func() { result <- s.group.Wait() }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("discovery: close %q: %w", s.id, ctx.Err())
	}
}
