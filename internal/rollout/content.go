package rollout

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"lpvalidation/services/analytics/internal/model"
)

const (
	optimizationTitlePrefix = "LP最適化自動更新"
	transitionTitlePrefix   = "フェーズ移行自動実行"

	optimizationFooter = "🤖 この PR は LP検証システムにより自動生成されました"
	transitionFooter   = "🤖 この PR は フェーズ移行システムにより自動生成されました"
)

var tokyo = loadTokyo()

func loadTokyo() *time.Location {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}

// GeneratePRContent renders the title and markdown body of an optimization
// pull request. It performs no I/O.
func GeneratePRContent(result OptimizationResult) PRContent {
	lp := OptimizedLP{}
	if result.OptimizedLP != nil {
		lp = *result.OptimizedLP
	}
	m := result.Metrics

	summary := markdownList([]string{
		"セッションID: " + result.SessionID,
		"ヘッドライン: " + lp.Headline,
		fmt.Sprintf("改善項目: %d件", len(result.Improvements)),
	})

	performance := markdownList([]string{
		"CVR: " + percent(m.CVR),
		"CPA: " + currency(m.CPA),
		"セッション数: " + count(m.Sessions),
		"コンバージョン数: " + count(m.Conversions),
		"統計的有意性: " + percent(m.Confidence),
	})

	lpContent := strings.Join([]string{
		"**ヘッドライン**: " + lp.Headline,
		"**説明文**: " + lp.Description,
		"**CTA**: " + lp.CTAText,
		"**キーワード**: " + strings.Join(lp.Keywords, ", "),
		"**入札調整**: " + number(lp.BidAdjustment) + "x",
	}, "\n")

	var body strings.Builder
	body.WriteString(markdownSection("最適化結果サマリー", summary))
	body.WriteString(markdownSection("パフォーマンス指標", performance))
	body.WriteString(markdownSection("最適化内容", lpContent))
	body.WriteString(markdownSection("改善項目", markdownList(result.Improvements)))
	body.WriteString(markdownSection("自動化実行履歴", historyList(result.SessionID, result.Timestamp)))
	body.WriteString("---\n")
	body.WriteString(optimizationFooter)

	return PRContent{
		Title: fmt.Sprintf("%s: %s (CVR: %s)", optimizationTitlePrefix, result.SessionID, percent(m.CVR)),
		Body:  body.String(),
		Base:  DefaultBaseBranch,
	}
}

func GeneratePhaseTransitionContent(result PhaseTransitionResult) PRContent {
	move := phaseMove(result.CurrentPhase, result.NextPhase)
	decision := result.TransitionDecision
	m := result.Metrics
	cfg := result.PhaseConfig

	transition := markdownList([]string{
		fmt.Sprintf("現在フェーズ: Phase%d", result.CurrentPhase),
		fmt.Sprintf("次フェーズ: Phase%d", result.NextPhase),
		"信頼度: " + percent(decision.Confidence),
	})

	performance := markdownList([]string{
		"CVR: " + percent(m.CurrentCVR),
		"CPA: " + currency(m.CurrentCPA),
		"セッション数: " + count(m.Sessions),
		"コンバージョン数: " + count(m.Conversions),
		"統計的有意性: " + percent(m.Significance),
	})

	config := markdownList([]string{
		"期間: " + cfg.Duration,
		"予算: " + currency(cfg.Budget),
		"CVR目標: " + percent(cfg.TargetCVR),
		"CPA目標: " + currency(cfg.TargetCPA),
	})

	var body strings.Builder
	body.WriteString(markdownSection("フェーズ移行サマリー", fmt.Sprintf("セッション %s を %s へ移行します。", result.SessionID, move)))
	body.WriteString(markdownSection("移行詳細", transition))
	body.WriteString(markdownSection("移行理由", markdownList(decision.Reasons)))
	body.WriteString(markdownSection("現在のパフォーマンス", performance))
	body.WriteString(markdownSection("新フェーズ設定", config))
	body.WriteString(markdownSection("自動化実行履歴", historyList(result.SessionID, result.Timestamp)))
	body.WriteString("---\n")
	body.WriteString(transitionFooter)

	return PRContent{
		Title: fmt.Sprintf("%s: %s (%s)", transitionTitlePrefix, result.SessionID, move),
		Body:  body.String(),
		Base:  DefaultBaseBranch,
	}
}

func optimizationCommitMessage(result OptimizationResult) string {
	return fmt.Sprintf("自動最適化: %s - CVR %s", result.SessionID, percent(result.Metrics.CVR))
}

func transitionCommitMessage(result PhaseTransitionResult) string {
	return fmt.Sprintf("フェーズ移行: %s - %s", result.SessionID, phaseMove(result.CurrentPhase, result.NextPhase))
}

func phaseMove(from, to int) string {
	return fmt.Sprintf("Phase%d→Phase%d", from, to)
}

func historyList(sessionID string, at time.Time) string {
	return markdownList([]string{
		"実行時刻: " + at.In(tokyo).Format("2006/1/2 15:04:05"),
		"セッションID: " + sessionID,
	})
}

func markdownSection(title, content string) string {
	return "## " + title + "\n\n" + content + "\n"
}

func markdownList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// number prints the shortest decimal that round-trips, so 12.5 stays "12.5"
// and 12 stays "12".
func number(value float64) string {
	return strconv.FormatFloat(model.Finite(value), 'f', -1, 64)
}

func percent(value float64) string {
	return number(value) + "%"
}

func count(value int64) string {
	return groupThousands(strconv.FormatInt(value, 10))
}

// currency formats yen with thousands separators and at most three decimals.
func currency(value float64) string {
	return "¥" + groupThousands(number(model.Round(value, 3)))
}

func groupThousands(digits string) string {
	sign := ""
	if strings.HasPrefix(digits, "-") {
		sign, digits = "-", digits[1:]
	}
	whole, fraction, hasFraction := strings.Cut(digits, ".")

	var out strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			out.WriteByte(',')
		}
		out.WriteRune(r)
	}
	if hasFraction {
		out.WriteByte('.')
		out.WriteString(fraction)
	}
	return sign + out.String()
}
