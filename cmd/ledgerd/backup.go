package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/ledgersync/internal/app"
	"github.com/kimhsiao/ledgersync/internal/export"
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportVerifyCmd, exportListCmd)
	exportCmd.Flags().String("dir", "", "Output directory (default backup.dir)")
	exportCmd.Flags().String("password", "", "Encrypt with this password (default backup.password)")
	exportCmd.Flags().Bool("prune", false, "Apply backup.keep retention afterwards")
	exportVerifyCmd.Flags().String("password", "", "Password of an encrypted backup")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a backup of the local ledger",
	Long: `Write a backup of every live book, its entries and the media metadata
to a timestamped .ledgerbak file. With a password the archive is encrypted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		password, _ := cmd.Flags().GetString("password")
		prune, _ := cmd.Flags().GetBool("prune")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if dir == "" {
				dir = a.Config.BackupDir()
			}
			if password == "" {
				password = a.Config.Backup.Password
			}
			path, m, err := a.Exporter.WriteFile(ctx, dir, password)
			if err != nil {
				return err
			}
			if prune {
				if _, err := export.Prune(dir, a.Config.Backup.Keep); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%d books, %d entries, %d media assets\n", path, m.Books, m.Entries, m.Media)
			return nil
		})
	},
}

var exportVerifyCmd = &cobra.Command{
	Use:   "verify FILE",
	Short: "Check a backup's integrity and print its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		m, _, err := export.ReadFile(args[0], password)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var exportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups in the backup directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		paths, err := export.List(cfg.BackupDir())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tSIZE")
		for _, p := range paths {
			fi, err := os.Stat(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(tw, "%s\t%d\n", filepath.Base(p), fi.Size())
		}
		return tw.Flush()
	},
}
