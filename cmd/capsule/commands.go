package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/internal/pipeline"
	"github.com/org/timecapsule/internal/secure"
	"github.com/org/timecapsule/internal/storage"
	"github.com/org/timecapsule/pkg/models"
)

// --- identity ---

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			kp, err := keywrap.GenerateKeyPair()
			if err != nil {
				return err
			}
			defer kp.Close()
			if err := writeIdentity(cfg.IdentityFile, kp, force); err != nil {
				return err
			}
			if err := saveConfig(); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			printResult(map[string]any{
				"account_id":    kp.AccountID(),
				"identity_file": cfg.IdentityFile,
			})
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Replace an existing identity file")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the account ID of the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadIdentity(cfg.IdentityFile)
			if err != nil {
				return err
			}
			defer kp.Close()
			printResult(map[string]any{"account_id": kp.AccountID()})
			return nil
		},
	}
}

// --- create ---

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create FILE",
		Short: "Encrypt FILE for a recipient, openable after the unlock time",
		Long:  "Encrypt FILE (or - for stdin) and anchor it on the ledger. Set the unlock time with --at or --in.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			at, _ := cmd.Flags().GetString("at")
			in, _ := cmd.Flags().GetDuration("in")
			name, _ := cmd.Flags().GetString("name")
			mimeType, _ := cmd.Flags().GetString("mime")
			usePassphrase, _ := cmd.Flags().GetBool("passphrase")

			unlockAt, err := unlockTime(at, in, time.Now())
			if err != nil {
				return err
			}

			sender, err := loadIdentity(cfg.IdentityFile)
			if err != nil {
				return err
			}
			defer sender.Close()

			payload, err := readPayload(args[0])
			if err != nil {
				return err
			}
			defer secure.Wipe(payload)
			if name == "" && args[0] != "-" {
				name = filepath.Base(args[0])
			}

			req := pipeline.CreationRequest{
				Payload:   payload,
				Name:      name,
				MimeType:  mimeType,
				Sender:    sender.AccountID(),
				Recipient: to,
				UnlockAt:  unlockAt,
			}
			if usePassphrase {
				if args[0] == "-" && os.Getenv("TIMECAPSULE_PASSPHRASE") == "" {
					return fmt.Errorf("reading the file from stdin requires TIMECAPSULE_PASSPHRASE")
				}
				req.KeyMode = keywrap.ModePassphrase
				if req.Passphrase, err = readPassphrase("Passphrase: "); err != nil {
					return err
				}
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			create, err := pipeline.NewCreationPipeline(pipelineConfig(c))
			if err != nil {
				return err
			}
			progress, done := progressPrinter()
			req.Progress = progress
			res, err := create.Run(cmd.Context(), req)
			done()
			if err != nil {
				return err
			}

			printResult(map[string]any{
				"message_id":       res.MessageID,
				"anchor_reference": res.AnchorReference,
				"key_address":      res.KeyAddress,
				"media_address":    res.MediaAddress,
				"digest":           res.Digest,
				"unlock_at":        res.Descriptor.UnlockAt.Format(time.RFC3339),
			})
			return nil
		},
	}
	cmd.Flags().String("to", "", "Recipient account ID")
	cmd.Flags().String("at", "", "Unlock time (RFC 3339)")
	cmd.Flags().Duration("in", 0, "Unlock after this duration, e.g. 720h")
	cmd.Flags().String("name", "", "Name stored with the message (default: file name)")
	cmd.Flags().String("mime", "", "MIME type (default: sniffed when opened)")
	cmd.Flags().Bool("passphrase", false, "Protect the key with a passphrase instead of the recipient key")
	cmd.MarkFlagRequired("to") //nolint:errcheck
	return cmd
}

// unlockTime resolves --at or --in against now. Exactly one must be set.
func unlockTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, fmt.Errorf("use either --at or --in, not both")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		return t, nil
	case in > 0:
		return now.Add(in), nil
	default:
		return time.Time{}, fmt.Errorf("an unlock time is required (--at or --in)")
	}
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// --- unlock ---

func unlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock MESSAGE_ID",
		Short: "Fetch, verify and decrypt a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")

			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.Ledger().GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !storage.VerifyAnchor(d) {
				return fmt.Errorf("message %s does not match its anchor reference", d.ID)
			}

			req := pipeline.UnlockRequest{Descriptor: d}
			switch keywrap.Mode(d.KeyMode) {
			case keywrap.ModePassphrase:
				if req.Passphrase, err = readPassphrase("Passphrase: "); err != nil {
					return err
				}
			default:
				kp, err := loadIdentity(cfg.IdentityFile)
				if err != nil {
					return err
				}
				defer kp.Close()
				req.Recipient = kp
			}

			unlock, err := pipeline.NewUnlockPipeline(pipelineConfig(c))
			if err != nil {
				return err
			}
			progress, done := progressPrinter()
			req.Progress = progress
			res, err := unlock.Run(cmd.Context(), req)
			done()
			if err != nil {
				return err
			}
			defer res.Resource.Release()

			if out == "" {
				out = outputName(d)
			}
			if err := writeResource(out, res.Resource, force); err != nil {
				return err
			}

			state, err := loadUnlockedState(statePath())
			if err != nil {
				return err
			}
			if err := state.mark(d.ID); err != nil {
				return fmt.Errorf("recording unlocked message: %w", err)
			}

			if out != "-" {
				printResult(map[string]any{
					"message_id": d.ID,
					"name":       res.Resource.Name,
					"mime_type":  res.Resource.MimeType,
					"size":       res.Resource.Size,
					"written_to": out,
				})
			}
			return nil
		},
	}
	cmd.Flags().String("out", "", "Output file, or - for stdout (default: the stored name)")
	cmd.Flags().Bool("force", false, "Overwrite an existing output file")
	return cmd
}

// outputName picks a local file name for d. Stored names come from the
// sender and are reduced to their base name.
func outputName(d *models.MessageDescriptor) string {
	name := filepath.Base(filepath.Clean("/" + d.Name))
	if name == "/" || name == "." {
		return d.ID
	}
	return name
}

func writeResource(path string, r *pipeline.Resource, force bool) error {
	if path == "-" {
		_, err := r.WriteTo(stdout)
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return err
	}
	if _, err := r.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// --- listing ---

func inboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "List messages addressed to you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMessages(cmd, true)
		},
	}
}

func outboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List messages you sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMessages(cmd, false)
		},
	}
}

func listMessages(cmd *cobra.Command, inbox bool) error {
	kp, err := loadIdentity(cfg.IdentityFile)
	if err != nil {
		return err
	}
	account := kp.AccountID()
	kp.Close()

	c, err := newClient()
	if err != nil {
		return err
	}
	var msgs []*models.MessageDescriptor
	peer := func(d *models.MessageDescriptor) string { return d.Recipient }
	if inbox {
		msgs, err = c.Ledger().QueryByRecipient(cmd.Context(), account)
		peer = func(d *models.MessageDescriptor) string { return d.Sender }
	} else {
		msgs, err = c.Ledger().QueryBySender(cmd.Context(), account)
	}
	if err != nil {
		return err
	}
	state, err := loadUnlockedState(statePath())
	if err != nil {
		return err
	}
	printMessages(msgs, time.Now(), state, peer)
	return nil
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status MESSAGE_ID",
		Short: "Show whether a message is locked, unlockable or unlocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.Ledger().GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state, err := loadUnlockedState(statePath())
			if err != nil {
				return err
			}
			printResult(statusView(d, time.Now(), state.has(d.ID)))
			return nil
		},
	}
}

func statusView(d *models.MessageDescriptor, now time.Time, unlocked bool) map[string]any {
	status := d.Status(now, unlocked)
	view := map[string]any{
		"id":              d.ID,
		"status":          status,
		"unlock_at":       d.UnlockAt.Format(time.RFC3339),
		"sender":          d.Sender,
		"recipient":       d.Recipient,
		"key_mode":        d.KeyMode,
		"size":            d.Size,
		"anchor_verified": storage.VerifyAnchor(d),
	}
	if d.Name != "" {
		view["name"] = d.Name
	}
	if status == models.StatusLocked {
		locked := &pipeline.LockedError{UnlockAt: d.UnlockAt, Remaining: d.UnlockAt.Sub(now)}
		view["minutes_remaining"] = locked.Minutes()
	}
	return view
}
