// Package scanner checks a face against every registered identity.
//
// Identities are processed on a bounded worker pool. Each one resolves its
// reference encoding through the cache, is scored against the query and is
// skipped on any recoverable failure, including overrunning its time
// budget. Cache changes are flushed once after the scan.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/directory"
	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/reference"
	"github.com/kozaktomas/facegate/internal/similarity"
)

// Termination policies.
const (
	PolicyEarlyExit    = "early_exit"
	PolicyBestOfCorpus = "best_of_corpus"
)

// Options tune one scan. Zero values fall back to the scanner defaults.
type Options struct {
	Policy string
	// Threshold overrides the scorer threshold when set.
	Threshold       *float64
	Concurrency     int
	IdentityTimeout time.Duration
	// ExcludeID leaves one identity out of the corpus.
	ExcludeID string
	// OnProgress is called after each identity with the number processed
	// so far and the corpus size. It may be called concurrently.
	OnProgress func(done, total int)
}

// Result is the outcome of a scan.
type Result struct {
	IsDuplicate       bool     `json:"is_duplicate"`
	MatchedIdentityID *string  `json:"matched_identity_id"`
	Similarity        *float64 `json:"similarity"`
	Method            string   `json:"method,omitempty"`
	Threshold         float64  `json:"threshold"`
	Policy            string   `json:"policy"`
	Scanned           int      `json:"scanned"`
	Skipped           int      `json:"skipped"`
	ScanID            string   `json:"scan_id"`
}

// Scanner runs duplicate scans. It is safe for concurrent use.
type Scanner struct {
	refs     *reference.Resolver
	scorer   *similarity.Scorer
	logger   *zap.Logger
	defaults Options
}

// New returns a Scanner. defaults supplies the policy, concurrency and
// identity timeout used when a scan leaves them unset.
func New(refs *reference.Resolver, scorer *similarity.Scorer, logger *zap.Logger, defaults Options) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.Policy == "" {
		defaults.Policy = PolicyEarlyExit
	}
	if defaults.Concurrency <= 0 {
		defaults.Concurrency = constants.WorkerPoolSize
	}
	if defaults.IdentityTimeout <= 0 {
		defaults.IdentityTimeout = constants.DefaultIdentityTimeout
	}
	return &Scanner{refs: refs, scorer: scorer, logger: logger, defaults: defaults}
}

func (s *Scanner) resolve(opts Options) (Options, error) {
	if opts.Policy == "" {
		opts.Policy = s.defaults.Policy
	}
	if opts.Policy != PolicyEarlyExit && opts.Policy != PolicyBestOfCorpus {
		return opts, fmt.Errorf("unknown scan policy %q", opts.Policy)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = s.defaults.Concurrency
	}
	if opts.IdentityTimeout <= 0 {
		opts.IdentityTimeout = s.defaults.IdentityTimeout
	}
	if opts.Threshold == nil {
		t := s.scorer.Threshold()
		opts.Threshold = &t
	} else if *opts.Threshold < 0 || *opts.Threshold > 1 {
		return opts, fmt.Errorf("threshold %v outside [0,1]", *opts.Threshold)
	}
	if opts.ExcludeID == "" {
		opts.ExcludeID = s.defaults.ExcludeID
	}
	return opts, nil
}

// CheckImage encodes image and scans the corpus for it.
func (s *Scanner) CheckImage(ctx context.Context, image []byte, opts Options) (*Result, error) {
	query, err := s.refs.Encoder().EncodeImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("encoding candidate: %w", err)
	}
	return s.Scan(ctx, query, opts)
}

type match struct {
	id     string
	report *similarity.Report
}

// better orders matches by fused score, breaking ties by the smaller id.
func (m *match) better(o *match) bool {
	if o == nil {
		return true
	}
	if m.report.Fused != o.report.Fused {
		return m.report.Fused > o.report.Fused
	}
	return m.id < o.id
}

// Scan compares query against the corpus. Recoverable per-identity
// failures are logged and counted as skipped. Failing to list the corpus,
// an encoder that can no longer run its model, or the caller's context
// ending abort the scan.
//
// At most opts.Concurrency identities are worked on at once. A slot is freed
// once both the worker and its encode have returned, so an identity that
// overruns its budget is skipped right away but keeps its slot until the
// abandoned encode finishes.
func (s *Scanner) Scan(ctx context.Context, query *encoding.Encoding, opts Options) (*Result, error) {
	opts, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}
	threshold := *opts.Threshold

	scanID := uuid.NewString()
	logger := s.logger.With(zap.String("scan_id", scanID), zap.String("policy", opts.Policy))
	start := time.Now()

	corpus, err := s.refs.Directory().ListWithReference(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing corpus: %w", err)
	}
	corpus = s.order(query, corpus, opts.ExcludeID)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		found            atomic.Bool
		done             atomic.Int64
		scanned, skipped atomic.Int64
		mu               sync.Mutex
		best             *match
	)

	slots := make(chan struct{}, opts.Concurrency)
	g, gctx := errgroup.WithContext(scanCtx)

dispatch:
	for _, ident := range corpus {
		select {
		case slots <- struct{}{}:
		case <-gctx.Done():
			break dispatch
		}
		if found.Load() || gctx.Err() != nil {
			<-slots
			break
		}
		release := releaseAfter(2, func() { <-slots })
		g.Go(func() error {
			defer release()
			defer func() {
				if opts.OnProgress != nil {
					opts.OnProgress(int(done.Add(1)), len(corpus))
				}
			}()

			report, err := s.scoreIdentity(gctx, ident, query, opts.IdentityTimeout, release)
			if err != nil {
				if found.Load() || ctx.Err() != nil {
					return nil
				}
				if !faceerr.Recoverable(err) {
					return fmt.Errorf("identity %s: %w", ident.ID, err)
				}
				skipped.Add(1)
				logger.Warn("skipping identity",
					zap.String("identity_id", ident.ID),
					zap.String("code", string(faceerr.CodeOf(err))),
					zap.Error(err))
				return nil
			}
			scanned.Add(1)

			m := &match{id: ident.ID, report: report}
			mu.Lock()
			if m.better(best) {
				best = m
			}
			mu.Unlock()

			if opts.Policy == PolicyEarlyExit && report.Fused >= threshold {
				if found.CompareAndSwap(false, true) {
					cancel()
				}
			}
			return nil
		})
	}
	fatal := g.Wait()

	s.flush(ctx, logger)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fatal != nil {
		logger.Error("duplicate scan aborted", zap.Error(fatal))
		return nil, fatal
	}

	res := &Result{
		Threshold: threshold,
		Policy:    opts.Policy,
		Scanned:   int(scanned.Load()),
		Skipped:   int(skipped.Load()),
		ScanID:    scanID,
	}
	if best != nil && best.report.Fused >= threshold {
		id, sim := best.id, best.report.Fused
		res.IsDuplicate = true
		res.MatchedIdentityID = &id
		res.Similarity = &sim
		res.Method = best.report.Method
	}

	fields := []zap.Field{
		zap.Bool("is_duplicate", res.IsDuplicate),
		zap.Int("corpus", len(corpus)),
		zap.Int("scanned", res.Scanned),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", time.Since(start)),
	}
	if best != nil {
		fields = append(fields,
			zap.String("best_identity_id", best.id),
			zap.Float64("best_similarity", best.report.Fused))
	}
	logger.Info("duplicate scan finished", fields...)
	return res, nil
}

// order drops the excluded id and, with an embedding index, moves the
// nearest identities to the front so an early exit tends to come sooner.
func (s *Scanner) order(query *encoding.Encoding, corpus []directory.Identity, exclude string) []directory.Identity {
	out := make([]directory.Identity, 0, len(corpus))
	for _, ident := range corpus {
		if ident.ID != exclude {
			out = append(out, ident)
		}
	}
	if query.Kind != encoding.KindEmbedding {
		return out
	}
	nearest := s.refs.Cache().Nearest(query.Vector, len(out))
	if len(nearest) == 0 {
		return out
	}

	rank := make(map[string]int, len(nearest))
	for i, id := range nearest {
		rank[id] = i
	}
	ordered := make([]directory.Identity, 0, len(out))
	rest := make([]directory.Identity, 0, len(out))
	for _, ident := range out {
		if _, ok := rank[ident.ID]; ok {
			ordered = append(ordered, ident)
		} else {
			rest = append(rest, ident)
		}
	}
	sortByRank(ordered, rank)
	return append(ordered, rest...)
}

func sortByRank(ids []directory.Identity, rank map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool { return rank[ids[i].ID] < rank[ids[j].ID] })
}

// releaseAfter returns a func that calls release on its n-th call.
func releaseAfter(n int32, release func()) func() {
	var left atomic.Int32
	left.Store(n)
	return func() {
		if left.Add(-1) == 0 {
			release()
		}
	}
}

// scoreIdentity resolves and scores one identity within timeout. The work
// runs in its own goroutine so an encoder that ignores the context cannot
// hold the worker past the budget. That goroutine calls release when it
// returns, not when the budget runs out.
func (s *Scanner) scoreIdentity(ctx context.Context, ident directory.Identity, query *encoding.Encoding, timeout time.Duration, release func()) (*similarity.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	type outcome struct {
		report *similarity.Report
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer release()
		defer cancel()
		ref, err := s.refs.Resolve(ctx, ident)
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		report, err := s.scorer.Compare(query, ref)
		ch <- outcome{report: report, err: err}
	}()

	select {
	case o := <-ch:
		return o.report, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("identity budget of %s exceeded: %w", timeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (s *Scanner) flush(ctx context.Context, logger *zap.Logger) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultFlushTimeout)
	defer cancel()
	if err := s.refs.Cache().Flush(flushCtx); err != nil {
		logger.Warn("cache flush failed", zap.Error(err))
	}
}

// Warm resolves every reference encoding on the worker pool so later scans
// hit the cache. It returns the number of identities encoded successfully
// and the number that failed.
func (s *Scanner) Warm(ctx context.Context, opts Options) (ok, failed int, err error) {
	opts, err = s.resolve(opts)
	if err != nil {
		return 0, 0, err
	}
	corpus, err := s.refs.Directory().ListWithReference(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing corpus: %w", err)
	}

	var okCount, failCount, done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, ident := range corpus {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if opts.OnProgress != nil {
					opts.OnProgress(int(done.Add(1)), len(corpus))
				}
			}()
			idCtx, cancel := context.WithTimeout(gctx, opts.IdentityTimeout)
			defer cancel()
			if _, err := s.refs.Resolve(idCtx, ident); err != nil {
				failCount.Add(1)
				s.logger.Warn("warming identity failed",
					zap.String("identity_id", ident.ID),
					zap.Error(err))
				return nil
			}
			okCount.Add(1)
			return nil
		})
	}
	g.Wait()

	s.flush(ctx, s.logger)
	if err := ctx.Err(); err != nil {
		return int(okCount.Load()), int(failCount.Load()), err
	}
	return int(okCount.Load()), int(failCount.Load()), nil
}
