package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lpvalidation/services/analytics/internal/notify"
	"lpvalidation/services/analytics/internal/rollout"
	"lpvalidation/services/analytics/internal/vcs"
)

var errRolloutFailed = errors.New("rollout did not open a pull request")

func newRolloutCmd(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Open configuration pull requests from approved results",
	}
	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print the pull request content without calling GitHub")

	optimization := &cobra.Command{
		Use:   "optimization <result.json>",
		Short: "Open a pull request for an approved LP optimization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result rollout.OptimizationResult
			if err := readJSONFile(args[0], &result); err != nil {
				return err
			}
			if dryRun {
				if err := result.Validate(); err != nil {
					return err
				}
				return printJSON(cmd, rollout.GeneratePRContent(result))
			}

			automation, err := a.automation(cmd)
			if err != nil {
				return err
			}
			return reportPRResult(cmd, automation.CreateOptimizationPR(cmd.Context(), result, rollout.Options{MaxRetries: a.cfg.RolloutMaxRetries}))
		},
	}

	phase := &cobra.Command{
		Use:   "phase-transition <result.json>",
		Short: "Open a pull request for an approved phase transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result rollout.PhaseTransitionResult
			if err := readJSONFile(args[0], &result); err != nil {
				return err
			}
			if dryRun {
				if err := result.Validate(); err != nil {
					return err
				}
				return printJSON(cmd, rollout.GeneratePhaseTransitionContent(result))
			}

			automation, err := a.automation(cmd)
			if err != nil {
				return err
			}
			return reportPRResult(cmd, automation.CreatePhaseTransitionPR(cmd.Context(), result))
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Verify GitHub credentials and repository access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			automation, err := a.automation(cmd)
			if err != nil {
				return err
			}
			status := automation.TestConnection(cmd.Context())
			if err := printJSON(cmd, status); err != nil {
				return err
			}
			if !status.Success {
				return errors.New(status.Message)
			}
			return nil
		},
	}

	cmd.AddCommand(optimization, phase, check)
	return cmd
}

func (a *app) automation(cmd *cobra.Command) (*rollout.Automation, error) {
	if a.cfg.GitHubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is not set")
	}

	client := vcs.NewGitHub(cmd.Context(), vcs.Config{
		BaseURL: a.cfg.GitHubAPIURL,
		Owner:   a.cfg.GitHubOwner,
		Repo:    a.cfg.GitHubRepo,
		Token:   a.cfg.GitHubToken,
	})
	poster := notify.NewPoster(notify.WithAuthHeader(a.cfg.WebhookAuthHeader), notify.WithPosterLogger(a.logger))

	opts := []rollout.Option{
		rollout.WithBaseBranch(a.cfg.GitHubBaseBranch),
		rollout.WithMaxRetries(a.cfg.RolloutMaxRetries),
		rollout.WithLogger(a.logger),
	}
	if a.cfg.WebhookURL != "" {
		opts = append(opts, rollout.WithSink("webhook", rollout.WebhookSink(poster, a.cfg.WebhookURL)))
	}
	if a.cfg.DiscordWebhookURL != "" {
		opts = append(opts, rollout.WithSink("discord", rollout.DiscordSink(poster, a.cfg.DiscordWebhookURL)))
	}
	return rollout.New(client, opts...), nil
}

func reportPRResult(cmd *cobra.Command, result rollout.PRResult) error {
	if err := printJSON(cmd, result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", errRolloutFailed, result.Error)
	}
	return nil
}

func readJSONFile(path string, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(value)
}
