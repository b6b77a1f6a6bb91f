package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePRContent(t *testing.T) {
	content := GeneratePRContent(sampleOptimization())

	assert.Equal(t, "LP最適化自動更新: session1 (CVR: 12.5%)", content.Title)
	assert.Equal(t, "main", content.Base)

	for _, want := range []string{
		"## 最適化結果サマリー\n\n",
		"## パフォーマンス指標\n\n- CVR: 12.5%\n- CPA: ¥285\n- セッション数: 1,500\n- コンバージョン数: 187\n- 統計的有意性: 95.5%\n",
		"**ヘッドライン**: 今すぐ始めよう\n**説明文**: 説明\n**CTA**: 無料で試す\n**キーワード**: lp, cvr\n**入札調整**: 1.15x\n",
		"## 改善項目\n\n- CTA文言を変更\n",
		"- 実行時刻: 2024/8/20 18:00:00\n- セッションID: session1\n",
	} {
		assert.Contains(t, content.Body, want)
	}
	assert.True(t, strings.HasSuffix(content.Body, "---\n🤖 この PR は LP検証システムにより自動生成されました"))
}

func TestGeneratePhaseTransitionContent(t *testing.T) {
	content := GeneratePhaseTransitionContent(sampleTransition())

	assert.Equal(t, "フェーズ移行自動実行: session1 (Phase1→Phase2)", content.Title)
	for _, want := range []string{
		"## フェーズ移行サマリー\n\n",
		"Phase1→Phase2",
		"- 現在フェーズ: Phase1\n- 次フェーズ: Phase2\n- 信頼度: 92%\n",
		"## 移行理由\n\n- CVR目標を達成\n- 十分なサンプル数\n",
		"- 期間: 14日\n- 予算: ¥100,000\n- CVR目標: 15%\n- CPA目標: ¥250\n",
	} {
		assert.Contains(t, content.Body, want)
	}
	assert.True(t, strings.HasSuffix(content.Body, "🤖 この PR は フェーズ移行システムにより自動生成されました"))
}

func TestNumberFormatting(t *testing.T) {
	assert.Equal(t, "12%", percent(12))
	assert.Equal(t, "12.5%", percent(12.5))
	assert.Equal(t, "¥1,234,567.5", currency(1234567.5))
	assert.Equal(t, "¥-1,000", currency(-1000))
	assert.Equal(t, "¥0.333", currency(1.0/3))
	assert.Equal(t, "999", count(999))
	assert.Equal(t, "1,000", count(1000))
}

func TestBranchNameUsesUTCDate(t *testing.T) {
	late := time.Date(2024, 8, 21, 1, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	assert.Equal(t, "feature/optimization-20240820-s1", BranchName(KindOptimization, "s1", late))
	assert.Equal(t, "feature/phase-transition-20240820-s1", BranchName(KindPhaseTransition, "s1", late))
	assert.Equal(t, "config/phase-sessions/s1.json", ConfigPath(KindPhaseTransition, "s1"))
}

func TestDecodeConfig(t *testing.T) {
	empty, err := DecodeConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	doc, err := DecodeConfig([]byte(`{"headline":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", doc["headline"])

	for _, content := range []string{
		"export const config = { headline: 'x' };",
		`[1,2,3]`,
		`null`,
		`{"transitionHistory":[],}`,
	} {
		_, err := DecodeConfig([]byte(content))
		assert.ErrorIs(t, err, ErrMalformedConfig, content)
	}
}

func TestMergeLPConfigDoesNotMutateInput(t *testing.T) {
	current := map[string]any{
		"custom":              true,
		"optimizationHistory": []any{map[string]any{"timestamp": "old"}},
	}

	merged := MergeLPConfig(current, sampleOptimization(), fixedNow.Add(time.Hour))

	assert.Len(t, current["optimizationHistory"], 1)
	assert.Len(t, merged["optimizationHistory"], 2)
	assert.Equal(t, true, merged["custom"])
	assert.Equal(t, "2024-08-20T10:00:00Z", merged["lastUpdated"])
	assert.NotContains(t, current, "headline")
}

func TestMergePhaseConfigKeepsScalarHistory(t *testing.T) {
	merged := MergePhaseConfig(map[string]any{"transitionHistory": "legacy"}, sampleTransition(), fixedNow)

	history, ok := merged["transitionHistory"].([]any)
	require.True(t, ok)
	require.Len(t, history, 2)
	assert.Equal(t, "legacy", history[0])
	assert.Equal(t, 2, merged["currentPhase"])
	assert.Equal(t, "2024-08-20T09:00:00Z", merged["lastTransition"])
}

func TestEncodeConfigKeepsLiteralCharacters(t *testing.T) {
	encoded, err := EncodeConfig(map[string]any{"headline": "<今すぐ> & 無料"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"headline\": \"<今すぐ> & 無料\"\n}\n", string(encoded))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", errors.Join(errors.New("x"), ErrTransient), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, true},
		{"bad gateway", statusError(502), true},
		{"too many requests", statusError(429), true},
		{"request timeout", statusError(408), true},
		{"unprocessable", statusError(422), false},
		{"unauthorized", statusError(401), false},
		{"plain", errors.New("boom"), false},
		{"dropped connection", fmt.Errorf("create pull request: %w", &url.Error{Op: "Post", URL: "https://api.github.com/repos/o/r/pulls", Err: io.EOF}), true},
		{"truncated response", io.ErrUnexpectedEOF, true},
		{"transport failure", &url.Error{Op: "Post", URL: "https://api.github.com", Err: errors.New("tls: handshake failure")}, true},
		{"canceled transport", &url.Error{Op: "Post", URL: "https://api.github.com", Err: context.Canceled}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(statusError(401)))
	assert.True(t, IsAuthError(statusError(403)))
	assert.True(t, IsAuthError(errors.New("GitHub API Error: Bad credentials")))
	assert.False(t, IsAuthError(statusError(404)))
	assert.False(t, IsAuthError(nil))
}
