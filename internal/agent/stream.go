package agent

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"regionsync/internal/apply"
	"regionsync/internal/checkpoint"
	"regionsync/internal/domain"
	"regionsync/internal/ingest/kafka"
)

// stream is the subscriber side of one source region: operations go to the engine and
// every operation gives the checkpoint manager a chance to queue a candidate.
type stream struct {
	id      string
	source  string
	credits int
	logger  *zap.Logger

	engine  *apply.Engine
	manager *checkpoint.Manager

	mu        sync.Mutex
	transport Transport

	fatal  chan error
	failed atomic.Pointer[error]
}

func newStream(source string, credits int, logger *zap.Logger) *stream {
	id := uuid.NewString()
	return &stream{
		id:      id,
		source:  source,
		credits: credits,
		logger:  logger.With(zap.String("sourceRegion", source), zap.String("subscription", id)),
		fatal:   make(chan error, 1),
	}
}

func (s *stream) setTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// OnSubscribe grants one credit per ordering queue; the engine returns a credit for each
// completed operation.
func (s *stream) OnSubscribe(r kafka.Requester) {
	s.engine.SetRequester(r)
	r.Request(s.credits)
	s.logger.Info("subscribed", zap.Int("credits", s.credits))
}

func (s *stream) OnNext(op domain.StreamOperation) error {
	if err := s.engine.Submit(op); err != nil {
		return err
	}
	s.manager.QueueCandidateIfNeeded()
	return nil
}

func (s *stream) OnError(err error) {
	s.report(err)
}

func (s *stream) report(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *stream) fail(err error) {
	s.failed.CompareAndSwap(nil, &err)
	s.logger.Error("stream failed", zap.Error(err))
}

func (s *stream) CurrentPosition() domain.StreamPosition {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return domain.StreamPosition{}
	}
	return t.CurrentPosition()
}

func (s *stream) status() StreamStatus {
	st := StreamStatus{
		SourceRegion:   s.source,
		SubscriptionID: s.id,
		Position:       s.CurrentPosition(),
	}
	if s.engine != nil {
		st.QueueDepths = s.engine.QueueDepths()
	}
	if s.manager != nil {
		if rec, ok := s.manager.LastCommitted(); ok {
			at := rec.CommittedAt
			st.Checkpoint, st.CheckpointAt = rec.Position, &at
		}
	}
	if p := s.failed.Load(); p != nil {
		st.Error = (*p).Error()
	} else if s.engine != nil {
		if err := s.engine.Err(); err != nil {
			st.Error = err.Error()
		}
	}
	return st
}
