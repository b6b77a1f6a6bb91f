package rollout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/telemetry"
)

type namedSink struct {
	name string
	send Sink
}

// Automation opens configuration pull requests. Each call runs its steps in
// order (branch, config file, pull request, notifications) and leaves the
// branch and commit in place when a later step fails.
type Automation struct {
	vcs        VCSClient
	baseBranch string
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger
	metrics    *telemetry.Metrics

	mu    sync.RWMutex
	sinks []namedSink
}

type Option func(*Automation)

func WithBaseBranch(branch string) Option {
	return func(a *Automation) {
		if branch = strings.TrimSpace(branch); branch != "" {
			a.baseBranch = branch
		}
	}
}

func WithMaxRetries(maxRetries int) Option {
	return func(a *Automation) {
		if maxRetries > 0 {
			a.maxRetries = maxRetries
		}
	}
}

// WithRetryDelay sets the base delay; attempt n waits n times the base.
func WithRetryDelay(delay time.Duration) Option {
	return func(a *Automation) {
		if delay >= 0 {
			a.retryDelay = delay
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Automation) {
		if now != nil {
			a.now = now
		}
	}
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Automation) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Automation) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(a *Automation) { a.metrics = metrics }
}

func WithSink(name string, sink Sink) Option {
	return func(a *Automation) {
		if sink != nil {
			a.sinks = append(a.sinks, namedSink{name: name, send: sink})
		}
	}
}

func New(vcs VCSClient, opts ...Option) *Automation {
	a := &Automation{
		vcs:        vcs,
		baseBranch: DefaultBaseBranch,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddSink registers a notification sink; safe to call while PRs are in flight.
func (a *Automation) AddSink(name string, sink Sink) {
	if sink == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, namedSink{name: name, send: sink})
}

func (a *Automation) CreateOptimizationPR(ctx context.Context, result OptimizationResult, opts Options) PRResult {
	if err := result.Validate(); err != nil {
		return a.fail(KindOptimization, result.SessionID, PRResult{}, err)
	}

	now := a.now()
	if result.Timestamp.IsZero() {
		result.Timestamp = now
	}
	branch := BranchName(KindOptimization, result.SessionID, now)
	out := PRResult{Branch: branch}

	if err := a.vcs.CreateBranch(ctx, branch, a.baseBranch); err != nil {
		return a.fail(KindOptimization, result.SessionID, out, fmt.Errorf("create branch: %w", err))
	}
	if err := a.UpdateLPConfig(ctx, result, branch); err != nil {
		return a.fail(KindOptimization, result.SessionID, out, err)
	}

	content := GeneratePRContent(result)
	pr, attempts, err := a.openPR(ctx, PullRequestInput{
		Title: content.Title,
		Body:  content.Body,
		Head:  branch,
		Base:  a.baseBranch,
	}, opts.MaxRetries)
	out.Attempts = attempts
	if err != nil {
		return a.fail(KindOptimization, result.SessionID, out, err)
	}

	out.Success, out.PRURL, out.PRNumber = true, pr.HTMLURL, pr.Number
	a.metrics.PRCreated(string(KindOptimization))
	a.logger.Info("optimization pr created",
		zap.String("session_id", result.SessionID),
		zap.String("branch", branch),
		zap.String("pr_url", pr.HTMLURL),
		zap.Int("attempts", attempts),
	)

	a.notify(ctx, Notification{
		Kind:      KindOptimization,
		SessionID: result.SessionID,
		PRURL:     pr.HTMLURL,
		PRNumber:  pr.Number,
		CVR:       result.Metrics.CVR,
		CPA:       result.Metrics.CPA,
		Metrics:   result.Metrics,
		Timestamp: a.now(),
	})
	return out
}

func (a *Automation) CreatePhaseTransitionPR(ctx context.Context, result PhaseTransitionResult) PRResult {
	if !result.TransitionDecision.ShouldTransition {
		a.logger.Info("phase transition declined", zap.String("session_id", result.SessionID))
		return PRResult{Error: msgTransitionNotMet}
	}
	if err := result.Validate(); err != nil {
		return a.fail(KindPhaseTransition, result.SessionID, PRResult{}, err)
	}

	now := a.now()
	if result.Timestamp.IsZero() {
		result.Timestamp = now
	}
	branch := BranchName(KindPhaseTransition, result.SessionID, now)
	out := PRResult{Branch: branch}

	if err := a.vcs.CreateBranch(ctx, branch, a.baseBranch); err != nil {
		return a.fail(KindPhaseTransition, result.SessionID, out, fmt.Errorf("create branch: %w", err))
	}
	if err := a.UpdatePhaseConfig(ctx, result, branch); err != nil {
		return a.fail(KindPhaseTransition, result.SessionID, out, err)
	}

	content := GeneratePhaseTransitionContent(result)
	pr, attempts, err := a.openPR(ctx, PullRequestInput{
		Title: content.Title,
		Body:  content.Body,
		Head:  branch,
		Base:  a.baseBranch,
	}, 0)
	out.Attempts = attempts
	if err != nil {
		return a.fail(KindPhaseTransition, result.SessionID, out, err)
	}

	out.Success, out.PRURL, out.PRNumber = true, pr.HTMLURL, pr.Number
	a.metrics.PRCreated(string(KindPhaseTransition))
	a.logger.Info("phase transition pr created",
		zap.String("session_id", result.SessionID),
		zap.Int("from_phase", result.CurrentPhase),
		zap.Int("to_phase", result.NextPhase),
		zap.String("pr_url", pr.HTMLURL),
	)

	a.notify(ctx, Notification{
		Kind:      KindPhaseTransition,
		SessionID: result.SessionID,
		PRURL:     pr.HTMLURL,
		PRNumber:  pr.Number,
		CVR:       result.Metrics.CurrentCVR,
		CPA:       result.Metrics.CurrentCPA,
		Metrics:   result.Metrics,
		Timestamp: a.now(),
	})
	return out
}

// UpdateLPConfig rewrites config/lp-sessions/<id>.json on branch. A missing
// file is created.
func (a *Automation) UpdateLPConfig(ctx context.Context, result OptimizationResult, branch string) error {
	path := ConfigPath(KindOptimization, result.SessionID)
	return a.rewriteConfig(ctx, path, branch, optimizationCommitMessage(result), func(current map[string]any) map[string]any {
		return MergeLPConfig(current, result, a.now())
	})
}

func (a *Automation) UpdatePhaseConfig(ctx context.Context, result PhaseTransitionResult, branch string) error {
	path := ConfigPath(KindPhaseTransition, result.SessionID)
	return a.rewriteConfig(ctx, path, branch, transitionCommitMessage(result), func(current map[string]any) map[string]any {
		return MergePhaseConfig(current, result, a.now())
	})
}

func (a *Automation) rewriteConfig(ctx context.Context, path, branch, message string, merge func(map[string]any) map[string]any) error {
	doc, err := a.vcs.GetFile(ctx, path, branch)
	switch {
	case errors.Is(err, ErrFileNotFound):
		doc = ConfigDocument{Path: path}
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	}

	current, err := DecodeConfig(doc.Content)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	content, err := EncodeConfig(merge(current))
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	commit, err := a.vcs.UpdateFile(ctx, FileUpdate{
		Path:     path,
		Message:  message,
		Content:  content,
		Revision: doc.Revision,
		Branch:   branch,
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	a.logger.Debug("config committed", zap.String("path", path), zap.String("branch", branch), zap.String("commit", commit))
	return nil
}

// TestConnection renders content for a synthetic result and checks that the
// base branch is reachable with the configured credentials.
func (a *Automation) TestConnection(ctx context.Context) ConnectionStatus {
	sample := OptimizationResult{
		SessionID: "test-" + strconv.FormatInt(a.now().UnixMilli(), 10),
		OptimizedLP: &OptimizedLP{
			Headline:      "テストヘッドライン",
			Description:   "テスト説明文",
			CTAText:       "テストCTA",
			Keywords:      []string{"テスト"},
			BidAdjustment: 1.0,
		},
		Metrics:      OptimizationMetrics{CVR: 10, CPA: 300, Sessions: 100, Conversions: 10, Confidence: 95},
		Improvements: []string{"テスト改善項目"},
		Timestamp:    a.now(),
	}
	if content := GeneratePRContent(sample); content.Title == "" || content.Body == "" {
		return ConnectionStatus{Message: msgConnectionFailed + ": empty pull request content"}
	}

	if _, err := a.vcs.GetBranch(ctx, a.baseBranch); err != nil {
		return ConnectionStatus{Message: msgConnectionFailed + ": " + UserMessage(err)}
	}
	return ConnectionStatus{Success: true, Message: msgConnectionOK}
}

// openPR retries only the pull request call, and only for transient errors.
// The branch and commit it points at are already in place.
func (a *Automation) openPR(ctx context.Context, input PullRequestInput, maxRetries int) (PullRequest, int, error) {
	if maxRetries <= 0 {
		maxRetries = a.maxRetries
	}

	for attempt := 1; ; attempt++ {
		pr, err := a.vcs.CreatePR(ctx, input)
		if err == nil {
			return pr, attempt, nil
		}
		if attempt >= maxRetries || !IsTransient(err) {
			return PullRequest{}, attempt, fmt.Errorf("create pull request: %w", err)
		}

		delay := a.retryDelay * time.Duration(attempt)
		a.metrics.PRRetried()
		a.logger.Warn("pull request creation failed, retrying",
			zap.String("head", input.Head),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := a.sleep(ctx, delay); err != nil {
			return PullRequest{}, attempt, err
		}
	}
}

func (a *Automation) notify(ctx context.Context, n Notification) {
	a.mu.RLock()
	sinks := make([]namedSink, len(a.sinks))
	copy(sinks, a.sinks)
	a.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.send(ctx, n); err != nil {
			a.metrics.SinkFailed(sink.name)
			a.logger.Warn("notification sink failed",
				zap.String("sink", sink.name),
				zap.String("session_id", n.SessionID),
				zap.Error(err),
			)
		}
	}
}

func (a *Automation) fail(kind Kind, sessionID string, out PRResult, err error) PRResult {
	a.metrics.PRFailed(string(kind))
	a.logger.Warn("rollout pull request failed",
		zap.String("kind", string(kind)),
		zap.String("session_id", sessionID),
		zap.Error(err),
	)
	out.Success = false
	out.Error = UserMessage(err)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
