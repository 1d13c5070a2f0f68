package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"booklog/internal/core"
	"booklog/internal/diarycsv"
	"booklog/internal/services"
	"booklog/internal/storage"
)

// openService opens the database and wraps it in a DiaryService without an
// event publisher.
func openService() (*services.DiaryService, func(), error) {
	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		return nil, nil, err
	}
	svc := services.NewDiaryService(repo, repo, nil, services.WithImportConcurrency(cfg.ImportConcurrency))
	return svc, func() { repo.Close() }, nil
}

// diaryCommand marks cmd as needing --user on top of the root checks.
func diaryCommand(cmd *cobra.Command) *cobra.Command {
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error { return requireUser() }
	return cmd
}

var importCmd = diaryCommand(&cobra.Command{
	Use:   "import [file.csv]",
	Short: "Import a diary CSV into the user's diary",
	Long:  `Reads a CSV with at least workKey and title columns. Rows are added as-is: rereads are not checked and duplicates are kept.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := svc.ImportCSV(cmd.Context(), userID, string(data))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Imported %d entries\n", report.Imported)
		for _, w := range report.Warnings {
			fmt.Fprintf(out, "  line %d skipped: %s\n", w.Line, w.Reason)
		}
		for _, f := range report.Failures {
			fmt.Fprintf(out, "  %s (%s) failed: %s\n", f.Title, f.WorkKey, f.Reason)
		}
		if report.Imported == 0 && len(report.Warnings)+len(report.Failures) > 0 {
			return errors.New("nothing was imported")
		}
		return nil
	},
})

var exportCmd = diaryCommand(&cobra.Command{
	Use:   "export",
	Short: "Write the user's diary as CSV",
	Long:  `Writes to stdout, or with --out to a file. When --out is a directory the dated default filename is used inside it.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("out")
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		if target == "" {
			_, err := svc.ExportCSV(cmd.Context(), userID, cmd.OutOrStdout())
			return err
		}
		if info, err := os.Stat(target); err == nil && info.IsDir() {
			target = filepath.Join(target, diarycsv.Filename(time.Now()))
		}
		f, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := svc.ExportCSV(cmd.Context(), userID, f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", target)
		return nil
	},
})

var statsCmd = diaryCommand(&cobra.Command{
	Use:   "stats",
	Short: "Print reading statistics as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		tz, _ := cmd.Flags().GetString("tz")
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("invalid time zone %q: %w", tz, err)
		}
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		view, err := svc.Stats(cmd.Context(), userID, scope, loc)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
})

var settingsCmd = diaryCommand(&cobra.Command{
	Use:   "settings",
	Short: "Show or change the user's reread and read-date preferences",
	Long:  `Without flags the current preferences are printed. --rereads takes allow or disallow; --date-mode takes first or latest.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		prefs, err := svc.Preferences(cmd.Context(), userID)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("rereads") || flags.Changed("date-mode") {
			if flags.Changed("rereads") {
				v, _ := flags.GetString("rereads")
				if prefs.Reread, err = core.ParseRereadPolicy(v); err != nil {
					return err
				}
			}
			if flags.Changed("date-mode") {
				v, _ := flags.GetString("date-mode")
				if prefs.DateMode, err = core.ParseDateMode(v); err != nil {
					return err
				}
			}
			if prefs, err = svc.UpdatePreferences(cmd.Context(), userID, prefs); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rereads: %s\ndate mode: %s\n", prefs.Reread, prefs.DateMode)
		return nil
	},
})

func init() {
	exportCmd.Flags().String("out", "", "File or directory to write instead of stdout")
	statsCmd.Flags().String("scope", core.ScopeAll, `"all" or a four-digit year`)
	statsCmd.Flags().String("tz", "UTC", "IANA time zone used to bucket months")
	settingsCmd.Flags().String("rereads", "", "allow or disallow")
	settingsCmd.Flags().String("date-mode", "", "first or latest")
}
