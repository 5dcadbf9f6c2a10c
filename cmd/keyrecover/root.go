package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/forest6511/keyrecover/internal/cli"
	"github.com/forest6511/keyrecover/internal/config"
	"github.com/forest6511/keyrecover/internal/logging"
	"github.com/forest6511/keyrecover/pkg/itemcrypto"
	"github.com/forest6511/keyrecover/pkg/keys"
	"github.com/forest6511/keyrecover/pkg/store"

	"github.com/spf13/cobra"
)

var (
	homeFlag string
	home     string
	cfg      *config.Config
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "keyrecover",
	Short: "keyrecover restores offline item keys from a passcode",
	Long: `Keeps a small store of encrypted notes protected by keys derived from a
local passcode, and recovers those keys when they are lost, for example after
a device restore.`,
	SilenceUsage: true,
	// PersistentPreRunE resolves the data directory and loads the
	// configuration before every command.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		h, err := config.Home(homeFlag)
		if err != nil {
			return err
		}
		c, err := config.Load(h)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		level, err := logging.ParseLevel(c.LogLevel)
		if err != nil {
			return err
		}

		home, cfg = h, c
		logger = logging.New(os.Stderr, level)
		slog.SetDefault(logger)
		return nil
	},
}

// Add flags
var (
	addText string
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

var forgetForce bool

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "Data directory (default: $KEYRECOVER_HOME or ~/.keyrecover)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(forgetKeysCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(auditCmd)

	addCmd.Flags().StringVar(&addText, "text", "", "Note text (default: read from standard input)")

	forgetKeysCmd.Flags().BoolVarP(&forgetForce, "force", "f", false, "Skip confirmation prompt")

	recoverCmd.Flags().StringVar(&recoverMetricsFile, "metrics-file", "", "Write Prometheus metrics for the session to this file")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h)")
}

// initCmd establishes the local passcode
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Sets up the local passcode and offline keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p := newTerminalPrompter()

		w, err := openWorkspace(ctx, home, cfg, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		if err := config.Save(home, cfg); err != nil {
			return fmt.Errorf("failed to write configuration: %w", err)
		}

		fmt.Println("Initializing keyrecover...")

		// 1. Prompt for the passcode twice
		passcode1, err := p.passcode(ctx, "Enter passcode: ")
		if err != nil {
			return err
		}
		passcode2, err := p.passcode(ctx, "Confirm passcode: ")
		if err != nil {
			return err
		}
		if passcode1 != passcode2 {
			return fmt.Errorf("passcodes do not match")
		}

		// 2. Validate strength
		result := keys.ValidatePasscode(passcode1)
		if !result.Valid {
			return fmt.Errorf("passcode validation failed: %s", result.Warnings[0])
		}
		fmt.Printf("Passcode strength: %s\n", result.Strength)
		for _, warning := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
		}

		// 3. Derive and store
		if err := w.initialize(ctx, passcode1); err != nil {
			if errors.Is(err, store.ErrAlreadyInitialized) {
				return fmt.Errorf("a passcode is already set up in %s", home)
			}
			return fmt.Errorf("failed to initialize: %w", err)
		}

		fmt.Printf("Initialized at %s\n", home)
		return nil
	},
}

// addCmd stores a new note
var addCmd = &cobra.Command{
	Use:   "add TITLE",
	Short: "Adds an encrypted note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := addText
		if !cmd.Flags().Changed("text") {
			if isTerminal(int(os.Stdin.Fd())) {
				fmt.Print("Enter note text (Ctrl+D to finish): ")
			}
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read note text: %w", err)
			}
			text = strings.TrimSuffix(strings.TrimSuffix(string(b), "\n"), "\r")
		}

		w, err := openWorkspace(cmd.Context(), home, cfg, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		it, err := w.addNote(cmd.Context(), itemcrypto.Note{Title: args[0], Text: text})
		if err != nil {
			return err
		}
		fmt.Printf("Note '%s' saved (%s)\n", args[0], it.ID)
		return nil
	},
}

// listCmd lists notes and whether they decrypt
var listCmd = &cobra.Command{
	Use:   "list [PATTERN...]",
	Short: "Lists notes with their decryption status",
	Long: `Lists notes. Patterns match note titles or IDs and may use glob
characters (*, ?, [...]). Notes that fail to decrypt have no known title and
can only be matched by ID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd.Context(), home, cfg, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		entries, err := listEntries(cmd.Context(), w)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No notes stored")
			return nil
		}

		matched, err := cli.MatchPatterns(args, entries)
		if err != nil {
			return err
		}
		printEntries(os.Stdout, cli.SortEntries(matched))
		return nil
	},
}

// listEntries decrypts every item with the current keys and returns its
// listing.
func listEntries(ctx context.Context, w *workspace) ([]cli.Entry, error) {
	items, _, err := w.loadItems(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]cli.Entry, 0, len(items))
	for _, it := range items {
		e := cli.Entry{ID: it.ID, Failed: it.DecryptionFailed}
		if !it.DecryptionFailed {
			note, err := itemcrypto.DecodeNote(it)
			if err != nil {
				w.log.Warn("failed to decode note", "item_id", it.ID, "error", err)
			} else {
				e.Title = note.Title
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func printEntries(out io.Writer, entries []cli.Entry) {
	for _, e := range entries {
		// Format: STATUS ID TITLE
		status := "ok    "
		title := e.Title
		if e.Failed {
			status = "locked"
			title = "(cannot decrypt)"
		}
		fmt.Fprintf(out, "%s %s %s\n", status, e.ID, title)
	}
}

// statusCmd reports the offline key state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows whether offline keys exist and how many notes fail to decrypt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd.Context(), home, cfg, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		report, err := w.status(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(os.Stdout, home, report)
		return nil
	},
}

func printStatus(out io.Writer, dir string, r *statusReport) {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	fmt.Fprintf(out, "Data directory:   %s\n", dir)
	fmt.Fprintf(out, "Passcode set up:  %s\n", yesNo(r.ParamsPresent))
	fmt.Fprintf(out, "Offline keys:     %s\n", yesNo(r.KeysPresent))
	fmt.Fprintf(out, "Notes:            %d\n", r.Items)
	fmt.Fprintf(out, "Failing to open:  %d\n", r.Failing)
	if r.Failing > 0 && r.ParamsPresent {
		fmt.Fprintln(out, "Run 'keyrecover recover' to restore the keys.")
	}
}

// forgetKeysCmd deletes the offline key set
var forgetKeysCmd = &cobra.Command{
	Use:   "forget-keys",
	Short: "Deletes the offline keys, as a device restore would",
	Long: `Deletes the offline key set while keeping the passcode parameters and
notes. Every note fails to decrypt until 'keyrecover recover' is run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !forgetForce {
			ok, err := newTerminalPrompter().confirmYesNo(cmd.Context(), "Delete the offline keys?")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Cancelled")
				return nil
			}
		}

		w, err := openWorkspace(cmd.Context(), home, cfg, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		if err := w.forgetKeys(cmd.Context()); err != nil {
			return fmt.Errorf("failed to delete offline keys: %w", err)
		}
		fmt.Println("Offline keys deleted")
		return nil
	},
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openAuditedWorkspace(cmd.Context())
		if err != nil {
			return err
		}
		defer w.Close()

		// 1. Parse since duration
		var since time.Time
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		// 2. Get audit events
		events, err := w.audit.ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		if len(events) == 0 {
			fmt.Printf("No audit events found in %s\n", w.audit.Path())
			return nil
		}

		// 3. Display events
		for _, event := range events {
			// Format: TIMESTAMP OPERATION RESULT [SUBJECT] [ERROR]
			line := fmt.Sprintf("%s %s %s", event.Timestamp, event.Operation, event.Result)
			if event.Subject != "" {
				subject := event.Subject
				if len(subject) > 16 {
					subject = subject[:16] + "..."
				}
				line += " " + subject
			}
			if event.Error != nil {
				line += fmt.Sprintf(" (%s: %s)", event.Error.Code, event.Error.Message)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openAuditedWorkspace(cmd.Context())
		if err != nil {
			return err
		}
		defer w.Close()

		fmt.Printf("Verifying audit log integrity in %s...\n", w.audit.Path())

		result, err := w.audit.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if result.Valid {
			fmt.Printf("✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)
			return nil
		}
		fmt.Printf("✗ Audit log verification FAILED\n")
		fmt.Printf("  Records total: %d\n", result.RecordsTotal)
		fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
		return fmt.Errorf("audit log integrity check failed")
	},
}

func openAuditedWorkspace(ctx context.Context) (*workspace, error) {
	w, err := openWorkspace(ctx, home, cfg, logger)
	if err != nil {
		return nil, err
	}
	if w.audit == nil {
		w.Close()
		return nil, fmt.Errorf("audit logging is disabled in %s", config.FileName)
	}
	return w, nil
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		// h, m, s and compound forms
		return time.ParseDuration(s)
	}
}
