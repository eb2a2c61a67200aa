package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/throttle"
)

type lockoutEnv struct {
	guard  *throttle.Guard
	logger *zap.Logger
}

type lockoutStatus struct {
	Email             string     `json:"email"`
	Attempts          int        `json:"attempts"`
	LockoutLevel      int        `json:"lockout_level"`
	Locked            bool       `json:"locked"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	Remaining         string     `json:"remaining,omitempty"`
	RemainingAttempts int        `json:"remaining_attempts"`
	NextLockout       string     `json:"next_lockout"`
}

func newLockoutCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockout",
		Short: "Inspect or clear the sign-in lockout of an email",
	}

	run := func(action func(cmd *cobra.Command, env lockoutEnv, email string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			logger := newLogger(cfg)
			defer func() { _ = logger.Sync() }()

			g, err := throttle.New(st, cfg.Throttle, throttle.WithLogger(logger.Named("throttle")))
			if err != nil {
				return err
			}
			return action(cmd, lockoutEnv{guard: g, logger: logger}, args[0])
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <email>",
			Short: "Show attempts, level and lockout state",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, env lockoutEnv, email string) error {
				return writeStatus(cmd.OutOrStdout(), opts.output, status(cmd, env.guard, email))
			}),
		},
		&cobra.Command{
			Use:   "clear <email>",
			Short: "Reset attempts, lockout and escalation level",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, env lockoutEnv, email string) error {
				env.guard.ClearLockout(cmd.Context(), email)
				env.logger.Info("lockout cleared by operator", logfields.Identifier(throttle.NormalizeIdentifier(email)))
				return writeStatus(cmd.OutOrStdout(), opts.output, status(cmd, env.guard, email))
			}),
		},
		&cobra.Command{
			Use:   "preview <email>",
			Short: "Show how long the next lockout would last",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, env lockoutEnv, email string) error {
				d := env.guard.PreviewNextLockoutDuration(cmd.Context(), email)
				if opts.output == "json" {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
						"email":        throttle.NormalizeIdentifier(email),
						"next_lockout": throttle.FormatDuration(d),
						"seconds":      int64(d / time.Second),
					})
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "next lockout for %s: %s\n", throttle.NormalizeIdentifier(email), throttle.FormatDuration(d))
				return err
			}),
		},
	)
	return cmd
}

func status(cmd *cobra.Command, g *throttle.Guard, email string) lockoutStatus {
	ctx := cmd.Context()
	rec := g.Attempts(ctx, email)
	s := lockoutStatus{
		Email:             throttle.NormalizeIdentifier(email),
		Attempts:          rec.Count,
		LockoutLevel:      rec.LockoutLevel,
		RemainingAttempts: g.RemainingAttempts(ctx, email),
		NextLockout:       throttle.FormatDuration(g.PreviewNextLockoutDuration(ctx, email)),
	}
	if info := g.IsLocked(ctx, email); info != nil {
		s.Locked = true
		until := info.Until.UTC()
		s.LockedUntil = &until
		s.Remaining = info.DurationText
	}
	return s
}

func writeStatus(w io.Writer, format string, s lockoutStatus) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	state := "not locked"
	if s.Locked {
		state = fmt.Sprintf("locked for %s (until %s)", s.Remaining, s.LockedUntil.Format(time.RFC3339))
	}
	_, err := fmt.Fprintf(w,
		"email:              %s\nstate:              %s\nfailed attempts:    %d\nlockout level:      %d\nremaining attempts: %d\nnext lockout:       %s\n",
		s.Email, state, s.Attempts, s.LockoutLevel, s.RemainingAttempts, s.NextLockout)
	return err
}
