// Package session is the caller side of the worker protocol. It issues
// fresh request ids, cancels the superseded request and discards responses
// that do not belong to the latest one.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/modelstats/internal/worker"
)

// Submitter accepts protocol requests. *worker.Worker implements it.
type Submitter interface {
	Submit(ctx context.Context, req worker.Request) error
}

// Handler receives responses for the latest request.
type Handler func(resp worker.Response)

// Session tracks the most recent request sent to a worker.
type Session struct {
	sub Submitter
	log *zap.Logger

	mu       sync.Mutex
	nextID   int64
	latest   int64
	inFlight bool
	dropped  int
}

// New creates a session that submits through sub.
func New(sub Submitter, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{sub: sub, log: log}
}

// Analyze requests analysis of url under a new id, cancelling the previous
// request if it has not answered yet. It returns the new id.
func (s *Session) Analyze(ctx context.Context, url string, fileMap map[string]string) (int64, error) {
	s.mu.Lock()
	prev, pending := s.latest, s.inFlight
	s.nextID++
	id := s.nextID
	s.latest = id
	s.inFlight = true
	s.mu.Unlock()

	if pending {
		if err := s.sub.Submit(ctx, worker.CancelRequest(prev)); err != nil {
			return 0, err
		}
		s.log.Debug("superseded request cancelled", zap.Int64("request_id", prev))
	}
	if err := s.sub.Submit(ctx, worker.AnalyzeRequest(id, url, fileMap)); err != nil {
		return 0, err
	}
	return id, nil
}

// Cancel cancels the latest request if it is still in flight.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	id, pending := s.latest, s.inFlight
	s.inFlight = false
	s.mu.Unlock()

	if !pending {
		return nil
	}
	return s.sub.Submit(ctx, worker.CancelRequest(id))
}

// Accept reports whether resp answers the latest request. Stale responses
// are counted and rejected.
func (s *Session) Accept(resp worker.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.RequestID != s.latest {
		s.dropped++
		s.log.Debug("stale response dropped",
			zap.Int64("request_id", resp.RequestID),
			zap.Int64("latest", s.latest),
		)
		return false
	}
	s.inFlight = false
	return true
}

// Latest returns the most recently issued id, or 0 before the first request.
func (s *Session) Latest() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Dropped returns the number of stale responses rejected so far.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Dispatch forwards accepted responses from ch to h until ch is closed or
// ctx is done.
func (s *Session) Dispatch(ctx context.Context, ch <-chan worker.Response, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-ch:
			if !ok {
				return
			}
			if s.Accept(resp) {
				h(resp)
			}
		}
	}
}
