// Package rollout turns approved optimization and phase-transition decisions
// into pull requests against the experiment configuration repository.
package rollout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"lpvalidation/services/analytics/internal/model"
)

type Kind string

const (
	KindOptimization    Kind = "optimization"
	KindPhaseTransition Kind = "phase-transition"
)

const (
	DefaultBaseBranch = "main"
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second

	lpConfigDir    = "config/lp-sessions"
	phaseConfigDir = "config/phase-sessions"

	optimizationBranchPrefix = "feature/optimization"
	transitionBranchPrefix   = "feature/phase-transition"
)

const (
	msgInvalidOptimization = "セッションIDが無効または最適化データが不正です"
	msgInvalidTransition   = "フェーズ移行データが不正です"
	msgAuthError           = "認証エラー: GitHub トークンを確認してください"
	msgTransitionNotMet    = "フェーズ移行条件が満たされていません"
	msgConnectionFailed    = "PR自動作成機能のテストに失敗しました"
	msgConnectionOK        = "PR自動作成機能が正常に動作しています"
)

var validate = validator.New()

type OptimizedLP struct {
	Headline      string   `json:"headline"`
	Description   string   `json:"description"`
	CTAText       string   `json:"ctaText"`
	Keywords      []string `json:"keywords"`
	BidAdjustment float64  `json:"bidAdjustment"`
}

type OptimizationMetrics struct {
	CVR         float64 `json:"cvr"`
	CPA         float64 `json:"cpa"`
	Sessions    int64   `json:"sessions"`
	Conversions int64   `json:"conversions"`
	Confidence  float64 `json:"confidence"`
}

type OptimizationResult struct {
	SessionID    string              `json:"sessionId" validate:"required,excludesall=/"`
	OptimizedLP  *OptimizedLP        `json:"optimizedLP" validate:"required"`
	Metrics      OptimizationMetrics `json:"metrics"`
	Improvements []string            `json:"improvements"`
	Timestamp    time.Time           `json:"timestamp"`
}

// Validate rejects a result that cannot name a branch or a config file.
func (r OptimizationResult) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return &model.ValidationError{Field: "sessionId", Message: msgInvalidOptimization}
	}
	if err := validate.Struct(r); err != nil {
		return &model.ValidationError{Field: fieldOf(err), Message: msgInvalidOptimization}
	}
	return nil
}

type TransitionDecision struct {
	ShouldTransition bool     `json:"shouldTransition"`
	Confidence       float64  `json:"confidence"`
	Reasons          []string `json:"reasons"`
}

type PhaseConfig struct {
	Phase     int     `json:"phase"`
	Duration  string  `json:"duration"`
	Budget    float64 `json:"budget"`
	TargetCVR float64 `json:"targetCVR"`
	TargetCPA float64 `json:"targetCPA"`
}

type PhaseMetrics struct {
	CurrentCVR   float64 `json:"currentCVR"`
	CurrentCPA   float64 `json:"currentCPA"`
	Sessions     int64   `json:"sessions"`
	Conversions  int64   `json:"conversions"`
	Significance float64 `json:"significance"`
}

type PhaseTransitionResult struct {
	SessionID          string             `json:"sessionId" validate:"required,excludesall=/"`
	CurrentPhase       int                `json:"currentPhase" validate:"gte=0"`
	NextPhase          int                `json:"nextPhase" validate:"gte=0"`
	TransitionDecision TransitionDecision `json:"transitionDecision"`
	PhaseConfig        PhaseConfig        `json:"phaseConfig"`
	Metrics            PhaseMetrics       `json:"metrics"`
	Timestamp          time.Time          `json:"timestamp"`
}

func (r PhaseTransitionResult) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return &model.ValidationError{Field: "sessionId", Message: msgInvalidTransition}
	}
	if err := validate.Struct(r); err != nil {
		return &model.ValidationError{Field: fieldOf(err), Message: msgInvalidTransition}
	}
	return nil
}

type Options struct {
	// MaxRetries bounds the pull request attempts; zero keeps the default.
	MaxRetries int `json:"maxRetries,omitempty"`
}

type PRResult struct {
	Success  bool   `json:"success"`
	PRURL    string `json:"prUrl,omitempty"`
	PRNumber int    `json:"prNumber,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

type PRContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Base  string `json:"base"`
}

type ConnectionStatus struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Branch struct {
	Name string
	SHA  string
}

// ConfigDocument is a version-controlled JSON file. Revision is the blob sha
// the next update must name; it is empty for a file that does not exist yet.
type ConfigDocument struct {
	Path     string
	Content  []byte
	Revision string
}

type FileUpdate struct {
	Path     string
	Message  string
	Content  []byte
	Revision string
	Branch   string
}

type PullRequestInput struct {
	Title string
	Body  string
	Head  string
	Base  string
}

type PullRequest struct {
	Number  int
	HTMLURL string
}

// VCSClient is the slice of the hosting API the automation needs.
type VCSClient interface {
	GetBranch(ctx context.Context, name string) (Branch, error)
	CreateBranch(ctx context.Context, name, base string) error
	GetFile(ctx context.Context, path, ref string) (ConfigDocument, error)
	UpdateFile(ctx context.Context, update FileUpdate) (string, error)
	CreatePR(ctx context.Context, input PullRequestInput) (PullRequest, error)
}

func BranchName(kind Kind, sessionID string, at time.Time) string {
	prefix := optimizationBranchPrefix
	if kind == KindPhaseTransition {
		prefix = transitionBranchPrefix
	}
	return prefix + "-" + at.UTC().Format("20060102") + "-" + sessionID
}

func ConfigPath(kind Kind, sessionID string) string {
	dir := lpConfigDir
	if kind == KindPhaseTransition {
		dir = phaseConfigDir
	}
	return dir + "/" + sessionID + ".json"
}

func fieldOf(err error) string {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		return fieldErrors[0].Field()
	}
	return ""
}
