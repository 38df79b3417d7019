package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/ledgersync/internal/app"
	"github.com/kimhsiao/ledgersync/internal/license"
	"github.com/kimhsiao/ledgersync/internal/models"
)

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, bookCmd, entryCmd, deleteCmd, mediaCmd, loginCmd, logoutCmd, licenseCmd, conflictsCmd)

	bookCmd.AddCommand(bookAddCmd, bookListCmd, bookBalanceCmd)
	bookAddCmd.Flags().String("name", "", "Book name")
	bookAddCmd.Flags().String("currency", "EUR", "ISO currency code")
	bookAddCmd.Flags().String("description", "", "Description")
	bookListCmd.Flags().String("owner", "", "Only books of this owner")

	entryCmd.AddCommand(entryAddCmd, entryListCmd, entryStatusCmd)
	entryAddCmd.Flags().Int64("book", 0, "Local id of the parent book")
	entryAddCmd.Flags().String("type", string(models.EntryExpense), "income or expense")
	entryAddCmd.Flags().String("amount", "", "Amount, e.g. 12.50")
	entryAddCmd.Flags().String("date", "", "Date as YYYY-MM-DD")
	entryAddCmd.Flags().String("category", "", "Category")
	entryAddCmd.Flags().String("note", "", "Note")
	entryAddCmd.Flags().String("status", string(models.StatusPending), "pending, cleared or reconciled")

	mediaCmd.AddCommand(mediaAttachCmd, mediaListCmd, mediaRetryCmd)
	mediaListCmd.Flags().String("status", "", "Only assets in this status")

	conflictsCmd.Flags().Int("limit", 20, "Number of conflicts to show")
	deleteCmd.Flags().BoolP("yes", "y", false, "Commit without asking")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid local id %q", s)
	}
	return id, nil
}

// ─── sync / status ─────────────────────────────────────────────────────────

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.SyncNow(ctx)
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "sync skipped")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show network mode, sync state and queues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			a.Mode.Evaluate(ctx)
			return printJSON(cmd.OutOrStdout(), a.Status(ctx))
		})
	},
}

// ─── book ──────────────────────────────────────────────────────────────────

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Manage books",
}

var bookAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a book locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		currency, _ := cmd.Flags().GetString("currency")
		description, _ := cmd.Flags().GetString("description")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			owner := ""
			if ident, err := a.Identity.Resolve(ctx); err == nil && ident != nil {
				owner = ident.UserID
			}
			b := &models.Book{OwnerID: owner, Name: name, Currency: strings.ToUpper(currency), Description: description}
			if err := a.Repo.CreateBook(ctx, b); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		})
	},
}

var bookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List books",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			books, err := a.Repo.ListBooks(ctx, owner)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCURRENCY\tSYNCED\tSERVER ID")
			for _, b := range books {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", b.LocalID, b.Name, b.Currency, b.Synced, b.ServerID)
			}
			return tw.Flush()
		})
	},
}

var bookBalanceCmd = &cobra.Command{
	Use:   "balance BOOK_ID",
	Short: "Show the balance of a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			bal, err := a.Repo.BookBalance(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), bal.StringFixed(2))
			return nil
		})
	},
}

// ─── entry ─────────────────────────────────────────────────────────────────

var entryCmd = &cobra.Command{
	Use:   "entry",
	Short: "Manage entries",
}

var entryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an entry locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		bookID, _ := flags.GetInt64("book")
		typ, _ := flags.GetString("type")
		amountStr, _ := flags.GetString("amount")
		date, _ := flags.GetString("date")
		category, _ := flags.GetString("category")
		note, _ := flags.GetString("note")
		statusStr, _ := flags.GetString("status")

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", amountStr, err)
		}
		status, err := models.ParseEntryStatus(statusStr)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			book, err := a.Repo.GetBook(ctx, bookID)
			if err != nil {
				return err
			}
			e := &models.Entry{
				BookLocalID: book.LocalID,
				BookID:      book.ServerID,
				OwnerID:     book.OwnerID,
				Type:        models.EntryType(typ),
				Amount:      amount,
				Date:        date,
				Category:    category,
				Note:        note,
				Status:      status,
			}
			if err := a.Repo.CreateEntry(ctx, e); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		})
	},
}

var entryListCmd = &cobra.Command{
	Use:   "list BOOK_ID",
	Short: "List the entries of a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			entries, err := a.Repo.ListEntries(ctx, id)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDATE\tTYPE\tAMOUNT\tSTATUS\tCATEGORY\tSYNCED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\n",
					e.LocalID, e.Date, e.Type, e.Amount.StringFixed(2), e.Status, e.Category, e.Synced)
			}
			return tw.Flush()
		})
	},
}

var entryStatusCmd = &cobra.Command{
	Use:   "status ENTRY_ID STATUS",
	Short: "Change the status of an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Repo.UpdateFields(ctx, models.KindEntry, id, map[string]interface{}{
				models.FieldStatus: args[1],
			})
		})
	},
}

// ─── delete ────────────────────────────────────────────────────────────────

var deleteCmd = &cobra.Command{
	Use:   "delete KIND LOCAL_ID",
	Short: "Delete a book or entry",
	Long: `Delete a book or entry. A one-shot command asks before committing the
deletion on exit; declining undoes it. Use the daemon's API for deletions
with a timed undo window.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseKind(args[0])
		if err != nil {
			return err
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		yes, _ := cmd.Flags().GetBool("yes")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return deleteConfirmed(ctx, a, kind, id, yes, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

// deleteConfirmed schedules the deletion and, unless yes is set, asks
// whether to commit it on exit. A declined deletion is restored.
func deleteConfirmed(ctx context.Context, a *app.App, kind models.Kind, id int64, yes bool, in io.Reader, out io.Writer) error {
	if err := a.Delete(ctx, kind, id); err != nil {
		return err
	}
	if yes || !a.Shadow.IsPending(kind, id) {
		return nil
	}
	n := a.Shadow.PendingCount()
	if confirm(in, out, fmt.Sprintf("%d pending deletion(s) will be committed on exit. Continue?", n)) {
		return nil
	}
	if _, err := a.Restore(ctx, kind, id); err != nil {
		return fmt.Errorf("undo delete: %w", err)
	}
	fmt.Fprintf(out, "%s %d restored\n", kind, id)
	return nil
}

// confirm prints prompt and reads a yes/no answer. Anything but y or yes,
// including EOF, is a no.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// ─── media ─────────────────────────────────────────────────────────────────

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Manage media attachments",
}

var mediaAttachCmd = &cobra.Command{
	Use:   "attach ENTRY_ID FILE",
	Short: "Attach a file to an entry; the daemon uploads it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			asset, err := a.Media.Attach(ctx, models.KindEntry, id, data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), asset)
		})
	},
}

var mediaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List media assets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var statuses []models.MediaStatus
			if status != "" {
				statuses = append(statuses, models.MediaStatus(status))
			}
			assets, err := a.Repo.ListMediaAssets(ctx, statuses...)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPARENT\tSTATUS\tSIZE\tTYPE\tURL\tERROR")
			for _, m := range assets {
				fmt.Fprintf(tw, "%d\t%s/%d\t%s\t%d\t%s\t%s\t%s\n",
					m.LocalID, m.ParentKind, m.ParentLocalID, m.Status, m.Size, m.ContentType, m.RemoteURL, m.LastError)
			}
			return tw.Flush()
		})
	},
}

var mediaRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-queue every failed upload",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Media.RetryAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d uploads re-queued\n", n)
			return nil
		})
	},
}

// ─── identity ──────────────────────────────────────────────────────────────

var loginCmd = &cobra.Command{
	Use:   "login TOKEN",
	Short: "Store the bearer token issued by the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := license.UserIDFromToken(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Vault.SaveToken(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", userID)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token and license",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Vault.Clear(ctx)
		})
	},
}

var licenseCmd = &cobra.Command{
	Use:   "license PLAN OFFLINE_EXPIRY_MS SIGNATURE",
	Short: "Store the license record issued by the server",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		expiry, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offline expiry %q", args[1])
		}
		plan := models.Plan(strings.ToLower(args[0]))
		if plan != models.PlanFree && plan != models.PlanPro {
			return fmt.Errorf("plan %q must be free or pro", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ident, err := a.Identity.Resolve(ctx)
			if err != nil {
				return err
			}
			if ident == nil {
				return fmt.Errorf("sign in first: ledgerd login TOKEN")
			}
			lic := &models.Identity{UserID: ident.UserID, Plan: plan, OfflineExpiry: expiry, LicenseSignature: args[2]}
			if err := a.Risk.VerifySignature(lic); err != nil && plan == models.PlanPro {
				return err
			}
			if err := a.Vault.SaveLicense(ctx, lic); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a.Risk.Evaluate(ctx, lic))
		})
	},
}

// ─── conflicts ─────────────────────────────────────────────────────────────

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show recent sync conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			logs, err := a.Repo.ListConflictLogs(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), logs)
		})
	},
}
