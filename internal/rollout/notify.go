package rollout

import (
	"context"
	"time"
)

const (
	discordColorSuccess = 0x00ff00

	optimizationEmoji = "🚀"
	transitionEmoji   = "📈"
)

// Notification describes a pull request that was opened successfully.
type Notification struct {
	Kind      Kind
	SessionID string
	PRURL     string
	PRNumber  int
	CVR       float64
	CPA       float64
	// Metrics is the metrics block of the originating result.
	Metrics   any
	Timestamp time.Time
}

// Sink receives notifications after a successful pull request. Failures are
// logged by the automation and never change the PR result.
type Sink func(ctx context.Context, n Notification) error

type Poster interface {
	PostJSON(ctx context.Context, target string, payload any) error
}

type WebhookPayload struct {
	Type      string `json:"type"`
	PRType    Kind   `json:"prType"`
	SessionID string `json:"sessionId"`
	PRURL     string `json:"prUrl"`
	Metrics   any    `json:"metrics"`
	Timestamp string `json:"timestamp"`
}

func NewWebhookPayload(n Notification) WebhookPayload {
	return WebhookPayload{
		Type:      "pr_created",
		PRType:    n.Kind,
		SessionID: n.SessionID,
		PRURL:     n.PRURL,
		Metrics:   n.Metrics,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
	}
}

type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type DiscordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Fields      []DiscordField `json:"fields"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
}

type DiscordMessage struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

func NewDiscordMessage(n Notification) DiscordMessage {
	title := optimizationEmoji + " LP最適化 PR作成完了"
	if n.Kind == KindPhaseTransition {
		title = transitionEmoji + " フェーズ移行 PR作成完了"
	}
	return DiscordMessage{Embeds: []DiscordEmbed{{
		Title:       title,
		Description: "セッション: " + n.SessionID,
		Fields: []DiscordField{
			{Name: "CVR", Value: percent(n.CVR), Inline: true},
			{Name: "CPA", Value: currency(n.CPA), Inline: true},
			{Name: "PR URL", Value: n.PRURL},
		},
		Color:     discordColorSuccess,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
	}}}
}

func WebhookSink(poster Poster, target string) Sink {
	return func(ctx context.Context, n Notification) error {
		return poster.PostJSON(ctx, target, NewWebhookPayload(n))
	}
}

func DiscordSink(poster Poster, target string) Sink {
	return func(ctx context.Context, n Notification) error {
		return poster.PostJSON(ctx, target, NewDiscordMessage(n))
	}
}
