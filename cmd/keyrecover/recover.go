package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"

	"github.com/forest6511/keyrecover/internal/metrics"
	"github.com/forest6511/keyrecover/internal/recovery"

	"github.com/spf13/cobra"
)

var recoverMetricsFile string

// recoverCmd runs an interactive recovery session
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover offline keys by re-entering the passcode",
	Long: `Re-derives the offline keys from your passcode and tries them against
every item that currently fails to decrypt.

If every item decrypts, the keys are adopted. Otherwise you can try another
passcode or, after a second confirmation, use the keys anyway.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Keep derived keys out of core dumps
		if err := disableCoreDumps(); err != nil {
			logger.Warn("failed to disable core dumps", "error", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals()...)
		defer stop()

		w, err := openWorkspace(ctx, home, cfg, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		m := metrics.NewRecovery()
		runErr := runRecovery(ctx, w, newTerminalPrompter(), m)

		if recoverMetricsFile != "" {
			if err := m.WriteTextfile(recoverMetricsFile); err != nil {
				logger.Warn("failed to write metrics", "path", recoverMetricsFile, "error", err)
			}
		}
		return runErr
	},
}

// runRecovery drives one session until it settles. Dismissal and a store
// with nothing failing are normal exits, not errors.
func runRecovery(ctx context.Context, w *workspace, p *prompter, m *metrics.Recovery) error {
	reg, err := w.registry(ctx)
	if err != nil {
		return err
	}
	eng, err := w.engine(reg, p, m)
	if err != nil {
		return err
	}

	s, err := eng.Begin(ctx)
	if errors.Is(err, recovery.ErrNothingToRecover) {
		fmt.Fprintln(p.out, recovery.Summary(err))
		return nil
	}
	if err != nil {
		if msg := recovery.Summary(err); msg != "" {
			fmt.Fprintln(p.errOut, msg)
		}
		return err
	}
	defer func() {
		if !s.State().Terminal() {
			_ = s.Dismiss()
		}
	}()

	fmt.Fprintln(p.out, s.Intro())

	for {
		prompt := "Passcode: "
		if s.HasInput() {
			prompt = "Passcode (Enter to reuse the last one): "
		}
		secret, err := p.passcode(ctx, prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				_ = s.Dismiss()
				fmt.Fprintln(p.out, "Recovery dismissed.")
				return nil
			}
			return err
		}
		if secret != "" || !s.HasInput() {
			if err := s.SetInput(secret); err != nil {
				return err
			}
		}

		st, err := s.Submit(ctx)
		switch {
		case errors.Is(err, recovery.ErrEmptySecret), errors.Is(err, recovery.ErrThrottled):
			fmt.Fprintf(p.errOut, "warning: %s\n", recovery.Summary(err))
			continue
		case errors.Is(err, recovery.ErrUserDismissed):
			fmt.Fprintln(p.out, "Recovery dismissed.")
			return nil
		case err != nil:
			fmt.Fprintln(p.errOut, recovery.Summary(err))
			return err
		}

		switch st {
		case recovery.AwaitingInput:
			continue
		case recovery.AutoAccepted:
			fmt.Fprintf(p.out, "Keys recovered. All %d items decrypt.\n", s.Len()-s.FailureCount())
			return nil
		case recovery.ForceAccepted:
			fmt.Fprintf(p.errOut, "warning: keys adopted; %d items still cannot be decrypted\n", s.FailureCount())
			return nil
		default:
			return fmt.Errorf("recovery ended in state %s", st)
		}
	}
}
