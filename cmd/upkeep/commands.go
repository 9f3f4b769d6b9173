// ABOUTME: Subcommands for schema management, credentials, sessions and login history
// ABOUTME: Each command opens the store from config, does one thing and closes it

package main

import (
	"bufio"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/upkeep/internal/auth"
	"github.com/2389/upkeep/internal/maintenance"
)

const timeFormat = "2006-01-02 15:04:05"

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: withEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			applied, err := e.runner.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			current, err := e.runner.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if applied == 0 {
				fmt.Fprintf(out, "Schema up to date at version %d\n", current)
				return nil
			}
			fmt.Fprintf(out, "%s applied %d migration(s), now at version %d\n",
				color.GreenString("✓"), applied, current)
			return nil
		}),
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: withEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			statuses, err := e.runner.Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT\tREVERSIBLE")
			for _, s := range statuses {
				state := color.YellowString("pending")
				appliedAt := "-"
				if s.Applied {
					state = color.GreenString("applied")
					if !s.ChecksumOK {
						state = color.RedString("modified")
					}
					appliedAt = s.AppliedAt.Local().Format(timeFormat)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", s.Version, s.Name, state, appliedAt, s.Reversible)
			}
			return w.Flush()
		}),
	}
}

func newRollbackCmd(configPath *string) *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert applied migrations down to a target version",
		Long:  `Revert migrations above --to in descending order. Requires migrations.allow_schema_rollback in the config.`,
		Args:  cobra.NoArgs,
		RunE: withEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			reverted, err := e.runner.Rollback(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reverted %d migration(s), now at version %d\n",
				color.GreenString("✓"), reverted, target)
			return nil
		}),
	}
	cmd.Flags().IntVar(&target, "to", 0, "Target schema version (required)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newProvisionCmd(configPath *string) *cobra.Command {
	var identifier, role string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a credential",
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			secret, err := readNewSecret(cmd)
			if err != nil {
				return err
			}
			subject, err := e.auth.ProvisionCredential(cmd.Context(), identifier, secret, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s provisioned %s as %s (id %s)\n",
				color.GreenString("✓"), subject.Identifier, subject.Role, subject.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "Login identifier (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleTechnician, "Role: technician, supervisor, admin")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func newLoginCmd(configPath *string) *cobra.Command {
	var identifier, device string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and print a new session token",
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			secret, err := readSecret(cmd, bufio.NewReader(cmd.InOrStdin()), "Secret: ")
			if err != nil {
				return err
			}
			subject, err := e.auth.Authenticate(cmd.Context(), identifier, secret)
			if err != nil {
				return err
			}
			token, err := e.auth.CreateSession(cmd.Context(), subject.ID, device)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}),
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "Login identifier (required)")
	cmd.Flags().StringVar(&device, "device", "", "Device description stored with the session")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <token>",
		Short: "Check a session token and show its subject",
		Args:  cobra.ExactArgs(1),
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, args []string, e *env) error {
			ctx, err := e.auth.Authorize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			subject := auth.MustFromContext(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) id %s\n",
				color.GreenString("valid"), subject.Identifier, subject.Role, subject.ID)
			return nil
		}),
	}
}

func newLogoutCmd(configPath *string) *cobra.Command {
	var subjectID, token string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End sessions for a subject, or a single session by token",
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			out := cmd.OutOrStdout()
			if token != "" {
				ended, err := e.auth.EndSession(cmd.Context(), token)
				if err != nil {
					return err
				}
				if !ended {
					return auth.ErrNoSession
				}
				fmt.Fprintln(out, "Session ended")
				return nil
			}
			n, err := e.auth.Logout(cmd.Context(), subjectID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Ended %d session(s)\n", n)
			return nil
		}),
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "Subject ID whose sessions to end")
	cmd.Flags().StringVar(&token, "token", "", "Single session token to end")
	cmd.MarkFlagsOneRequired("subject", "token")
	cmd.MarkFlagsMutuallyExclusive("subject", "token")
	return cmd
}

func newUnlockCmd(configPath *string) *cobra.Command {
	var identifier string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear a credential's lockout and failed attempts",
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			if err := e.auth.ResetLockout(cmd.Context(), identifier); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s unlocked %s\n", color.GreenString("✓"), auth.NormalizeIdentifier(identifier))
			return nil
		}),
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "Login identifier (required)")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func newSetActiveCmd(configPath *string, use string, active bool) *cobra.Command {
	var identifier string
	short := "Re-enable a credential"
	if !active {
		short = "Disable a credential and end its sessions"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			if err := e.auth.SetActive(cmd.Context(), identifier, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sd %s\n", color.GreenString("✓"), use, auth.NormalizeIdentifier(identifier))
			return nil
		}),
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "Login identifier (required)")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var identifier string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent login attempts for an identifier",
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			attempts, err := e.auth.LoginHistory(cmd.Context(), identifier, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tRESULT\tREASON")
			for _, a := range attempts {
				result := color.RedString("failed")
				if a.Success {
					result = color.GreenString("success")
				}
				reason := a.FailureReason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.Time.Local().Format(timeFormat), result, reason)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "Login identifier (required)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum attempts to show")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func newSessionsCmd(configPath *string) *cobra.Command {
	var subjectID string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List a subject's sessions",
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			sessions, err := e.auth.Sessions(cmd.Context(), subjectID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tDEVICE\tLAST ACTIVITY\tEXPIRES\tACTIVE")
			for _, s := range sessions {
				device := s.DeviceInfo
				if device == "" {
					device = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					s.ID[:12], device,
					s.LastActivityAt.Local().Format(timeFormat),
					s.ExpiresAt.Local().Format(timeFormat),
					s.Active)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "Subject ID (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newMaintainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass now",
		Args:  cobra.NoArgs,
		RunE: withMigratedEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			sched, err := newScheduler(e)
			if err != nil {
				return err
			}
			report := sched.RunOnce(cmd.Context())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checkpoint: %s\n", taskResult(report.CheckpointErr))
			if report.Compacted || report.CompactErr != nil {
				fmt.Fprintf(out, "compact:    %s\n", taskResult(report.CompactErr))
			}
			if e.cfg.Maintenance.SweepEnabled() {
				fmt.Fprintf(out, "sweep:      %s (%d expired)\n", taskResult(report.SweepErr), report.Swept)
			}
			fmt.Fprintf(out, "took %s\n", report.Duration.Round(time.Millisecond))
			return report.Err()
		}),
	}
}

func taskResult(err error) string {
	if err != nil {
		return color.RedString("failed: %v", err)
	}
	return color.GreenString("ok")
}

// newScheduler builds a maintenance scheduler from the loaded config.
func newScheduler(e *env) (*maintenance.Scheduler, error) {
	day, err := maintenance.ParseWeekday(e.cfg.Maintenance.CompactionDay)
	if err != nil {
		return nil, err
	}
	opts := []maintenance.Option{
		maintenance.WithPeriod(e.cfg.Maintenance.Period),
		maintenance.WithCompactionDay(day),
		maintenance.WithLogger(e.logger),
		maintenance.WithMetrics(e.metrics),
	}
	if e.cfg.Maintenance.SweepEnabled() {
		opts = append(opts, maintenance.WithSweeper(e.auth))
	}
	return maintenance.New(e.db, opts...), nil
}

// exitCode maps well-known failures to distinct process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAccountLocked), errors.Is(err, auth.ErrNoSession):
		return 2
	default:
		return 1
	}
}
