// Package ingest builds a user's contact graph from the calendar invites in
// their mailbox.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edeng23/beyond-meet/backend/internal/calendar"
	"github.com/edeng23/beyond-meet/backend/internal/constants"
	"github.com/edeng23/beyond-meet/backend/internal/participants"
	"github.com/edeng23/beyond-meet/backend/internal/progress"
	"github.com/edeng23/beyond-meet/backend/internal/session"
	"github.com/edeng23/beyond-meet/backend/internal/state"
	apperrors "github.com/edeng23/beyond-meet/backend/pkg/errors"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

// SessionSource resolves a user's session
type SessionSource interface {
	Get(ctx context.Context, userID string) (*session.Session, error)
}

// MessageSource reads one mailbox
type MessageSource interface {
	Profile(ctx context.Context) (string, error)
	Search(ctx context.Context, query string) ([]string, error)
	Fetch(ctx context.Context, messageID string) ([]byte, error)
}

// SourceFactory opens a MessageSource for a session's credential
type SourceFactory interface {
	ForSession(ctx context.Context, s *session.Session) (MessageSource, error)
}

// GraphStore loads and atomically replaces a user's graph
type GraphStore interface {
	Load(ctx context.Context, userID string) (*state.Graph, error)
	Save(ctx context.Context, g *state.Graph) error
}

// Recorder observes run outcomes
type Recorder interface {
	RunFinished(outcome string, duration time.Duration)
	MessagesProcessed(ok, failed int)
	GraphGrowth(nodes, edges int)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, time.Duration) {}
func (nopRecorder) MessagesProcessed(int, int)        {}
func (nopRecorder) GraphGrowth(int, int)              {}

// Options tunes a pipeline
type Options struct {
	QueryDays        int
	FetchConcurrency int
	IOTimeout        time.Duration
	IgnoredEmails    []string
	IgnoredDomains   []string
}

// ItemFailure is one message that could not be merged
type ItemFailure struct {
	MessageID string `json:"message_id"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// Result summarizes a finished run
type Result struct {
	RunID     string        `json:"run_id"`
	UserID    string        `json:"user_id"`
	Messages  int           `json:"messages"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    []ItemFailure `json:"failed"`
	NewNodes  int           `json:"new_nodes"`
	NewEdges  int           `json:"new_edges"`
	Nodes     int           `json:"nodes"`
	Edges     int           `json:"edges"`
	Duration  time.Duration `json:"duration_ns"`
}

// Pipeline runs ingestions
type Pipeline struct {
	sessions  SessionSource
	sources   SourceFactory
	store     GraphStore
	hub       *progress.Hub
	tracker   *Tracker
	extractor *participants.Extractor
	opts      Options
	recorder  Recorder
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewPipeline wires a pipeline
func NewPipeline(sessions SessionSource, sources SourceFactory, store GraphStore, hub *progress.Hub, tracker *Tracker, opts Options) *Pipeline {
	if opts.FetchConcurrency < 1 {
		opts.FetchConcurrency = 1
	}
	return &Pipeline{
		sessions:  sessions,
		sources:   sources,
		store:     store,
		hub:       hub,
		tracker:   tracker,
		extractor: participants.NewExtractor(opts.IgnoredEmails, opts.IgnoredDomains),
		opts:      opts,
		recorder:  nopRecorder{},
		logger:    logger.Named("ingest"),
	}
}

// WithRecorder attaches a run recorder
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	if r != nil {
		p.recorder = r
	}
	return p
}

// Run ingests the user's mailbox and blocks until the graph is saved
func (p *Pipeline) Run(ctx context.Context, userID string) (*Result, error) {
	sess, runID, err := p.begin(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, sess, runID)
}

// Start begins an ingestion in the background and returns its run id. The
// session, running and cooldown checks happen before Start returns.
func (p *Pipeline) Start(ctx context.Context, userID string) (string, error) {
	sess, runID, err := p.begin(ctx, userID)
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.run(runCtx, sess, runID); err != nil {
			logFn := p.logger.Error
			if apperrors.IsRetryable(err) {
				logFn = p.logger.Warn
			}
			logFn("Background ingestion failed",
				zap.String("user_id", userID),
				zap.String("run_id", runID),
				zap.Bool("retryable", apperrors.IsRetryable(err)),
				zap.Error(err),
			)
		}
	}()
	return runID, nil
}

// Wait blocks until every background run has returned
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// IsRunning reports whether the user has an ingestion in flight
func (p *Pipeline) IsRunning(userID string) bool {
	return p.tracker.IsRunning(userID)
}

func (p *Pipeline) begin(ctx context.Context, userID string) (*session.Session, string, error) {
	sess, err := p.sessions.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, "", apperrors.NewUnauthenticated(userID, err)
		}
		return nil, "", apperrors.NewTransientIO("session lookup", err)
	}

	runID, err := p.tracker.Begin(userID)
	if err != nil {
		return nil, "", err
	}
	return sess, runID, nil
}

type fetched struct {
	raw []byte
	err error
}

func (p *Pipeline) run(ctx context.Context, sess *session.Session, runID string) (res *Result, err error) {
	userID := sess.UserID
	started := time.Now()
	log := p.logger.With(zap.String("user_id", userID), zap.String("run_id", runID))

	var ch *progress.Channel
	defer func() {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
			if ch != nil {
				p.hub.Discard(userID, ch)
			}
		} else {
			p.hub.Finish(userID, ch)
		}
		p.tracker.Finish(userID, runID, err == nil)
		p.recorder.RunFinished(outcome, time.Since(started))
	}()

	log.Info("Starting graph generation")

	src, err := p.sources.ForSession(ctx, sess)
	if err != nil {
		return nil, apperrors.NewTransientIO("open mailbox", err)
	}

	self, err := p.withTimeout(ctx, func(c context.Context) (string, error) {
		return src.Profile(c)
	})
	if err != nil {
		return nil, p.ioError(ctx, "mailbox profile", err)
	}
	if self == "" {
		self = sess.Email
	}

	var ids []string
	if err := p.timed(ctx, func(c context.Context) error {
		var searchErr error
		ids, searchErr = src.Search(c, constants.InviteQuery(p.opts.QueryDays))
		return searchErr
	}); err != nil {
		return nil, p.ioError(ctx, "mailbox search", err)
	}

	var graph *state.Graph
	if err := p.timed(ctx, func(c context.Context) error {
		var loadErr error
		graph, loadErr = p.store.Load(c, userID)
		return loadErr
	}); err != nil {
		return nil, p.ioError(ctx, "graph load", err)
	}
	before := graph.Stats()

	res = &Result{RunID: runID, UserID: userID, Messages: len(ids), Failed: []ItemFailure{}}
	total := constants.UnitsPerMessage * len(ids)
	done := 0

	ch = p.hub.Open(userID)
	ch.Publish(constants.ProgressStart)
	log.Info("Found invite messages", zap.Int("messages", len(ids)))

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := p.prefetch(fetchCtx, src, ids)

	processed := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if _, dup := processed[id]; dup {
			res.Skipped++
		} else {
			var item fetched
			select {
			case item = <-results[i]:
			case <-ctx.Done():
				return nil, apperrors.NewContextCancelled("ingestion", ctx.Err())
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, apperrors.NewContextCancelled("ingestion", ctxErr)
			}

			if failure := p.mergeMessage(graph, id, item, self); failure != nil {
				res.Failed = append(res.Failed, ItemFailure{
					MessageID: failure.MessageID,
					Stage:     failure.Stage,
					Error:     failure.Error(),
				})
				log.Warn("Skipping message", zap.String("message_id", id), zap.Error(failure))
			} else {
				res.Processed++
			}
			processed[id] = struct{}{}
		}

		done += constants.UnitsPerMessage
		ch.Publish(percent(done, total))

		if (i+1)%constants.ProgressLogInterval == 0 {
			log.Info("Ingestion progress",
				zap.Int("messages_done", i+1),
				zap.Int("messages_total", len(ids)),
				zap.Int("nodes", graph.Stats().Nodes),
			)
		}
	}
	ch.Publish(constants.ProgressDone)

	if err := p.timed(ctx, func(c context.Context) error {
		return p.store.Save(c, graph)
	}); err != nil {
		return nil, apperrors.NewPersistFailed(userID, err)
	}

	after := graph.Stats()
	res.NewNodes = after.Nodes - before.Nodes
	res.NewEdges = after.Edges - before.Edges
	res.Nodes = after.Nodes
	res.Edges = after.Edges
	res.Duration = time.Since(started)

	p.recorder.MessagesProcessed(res.Processed, len(res.Failed))
	p.recorder.GraphGrowth(res.NewNodes, res.NewEdges)

	log.Info("Graph generation complete",
		zap.Int("processed", res.Processed),
		zap.Int("failed", len(res.Failed)),
		zap.Int("nodes", res.Nodes),
		zap.Int("edges", res.Edges),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// prefetch fetches message payloads with bounded concurrency. Slot i
// receives exactly one value unless ctx is cancelled first.
func (p *Pipeline) prefetch(ctx context.Context, src MessageSource, ids []string) []chan fetched {
	results := make([]chan fetched, len(ids))
	for i := range results {
		results[i] = make(chan fetched, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.FetchConcurrency)

	go func() {
		seen := make(map[string]struct{}, len(ids))
		for i, id := range ids {
			if gctx.Err() != nil {
				break
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			g.Go(func() error {
				var raw []byte
				err := p.timed(gctx, func(c context.Context) error {
					var fetchErr error
					raw, fetchErr = src.Fetch(c, id)
					return fetchErr
				})
				results[i] <- fetched{raw: raw, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}

func (p *Pipeline) mergeMessage(graph *state.Graph, id string, item fetched, self string) *apperrors.ErrItemFailed {
	if item.err != nil {
		return apperrors.NewItemFailed(id, "fetch", item.err)
	}

	msg, err := participants.ParseMessage(item.raw)
	if err != nil {
		return apperrors.NewItemFailed(id, "parse", err)
	}

	people := p.extractor.Extract(msg, self)

	var meetings []state.Meeting
	for _, part := range msg.CalendarParts() {
		parsed, err := calendar.Parse(part)
		if err != nil {
			p.logger.Debug("Calendar part unreadable, treating as no meetings",
				zap.String("message_id", id),
				zap.Error(err),
			)
			continue
		}
		meetings = append(meetings, parsed...)
	}

	graph.MergeParticipants(people, meetings)
	return nil
}

func (p *Pipeline) timed(ctx context.Context, fn func(context.Context) error) error {
	if p.opts.IOTimeout <= 0 {
		return fn(ctx)
	}
	c, cancel := context.WithTimeout(ctx, p.opts.IOTimeout)
	defer cancel()
	return fn(c)
}

func (p *Pipeline) withTimeout(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	var out string
	err := p.timed(ctx, func(c context.Context) error {
		var err error
		out, err = fn(c)
		return err
	})
	return out, err
}

func (p *Pipeline) ioError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return apperrors.NewContextCancelled(op, ctx.Err())
	}
	return apperrors.NewTransientIO(op, err)
}

func percent(done, total int) int {
	if total <= 0 {
		return constants.ProgressDone
	}
	pct := done * 100 / total
	if pct > constants.ProgressDone {
		return constants.ProgressDone
	}
	return pct
}
