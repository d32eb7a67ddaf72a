package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/export"
	"github.com/agentworkforce/sheetmirror/internal/httpapi"
	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/spf13/cobra"
)

func (a *app) sheetsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sheets",
		Short: "List mirror sheets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(true)
			if err != nil {
				return err
			}
			defer store.Close()

			sheets := store.ListSheetMetadata()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sheets)
			}
			if len(sheets) == 0 {
				fmt.Fprintln(out, "no sheets")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tID\tFORM\tDATE\tROWS\tACTIVE")
			for _, sheet := range sheets {
				active := ""
				if sheet.IsActive {
					active = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", sheet.Name, sheet.ID, sheet.FormName, sheet.Date, sheet.RowCount, active)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func (a *app) rowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rows <sheet>",
		Short: "Print the rows of a sheet as JSON; the sheet may be a name or a 6-digit sheet id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(true)
			if err != nil {
				return err
			}
			defer store.Close()

			name := strings.TrimSpace(args[0])
			if sheetmirror.IsValidID(name) {
				if byID, ok := store.FindSheetByID(name); ok {
					name = byID
				}
			}
			rows, ok := store.Sheet(name)
			if !ok {
				return fmt.Errorf("sheet not found: %s", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var (
		out      string
		grouped  bool
		report   bool
		formType string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the mirror to an xlsx workbook",
		Long: `Without flags every sheet becomes a tab with a metadata header row.
--grouped writes one tab per form type from the submission list, and
--report writes a summary tab followed by all submissions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if grouped && report {
				return errors.New("--grouped and --report are mutually exclusive")
			}
			if formType != "" && !grouped {
				return errors.New("--form-type requires --grouped")
			}
			store, err := a.openStore(true)
			if err != nil {
				return err
			}
			defer store.Close()

			var schema *sheetmirror.Schema
			if form, ok := store.ActiveForm(); ok {
				schema = &form
			}
			now := a.now()
			var wb *export.Workbook
			switch {
			case report:
				wb, err = export.BuildSummaryReport(store.LoadSubmissions(), schema, now)
			case grouped && formType != "":
				wb, err = export.BuildFormTypeWorkbook(store.LoadSubmissions(), schema, formType, now)
			case grouped:
				wb, err = export.BuildGroupedWorkbook(store.LoadSubmissions(), schema, now)
			default:
				wb, err = export.BuildWorkbook(store.Snapshot(), now)
			}
			if err != nil {
				return err
			}
			path := out
			if path == "" {
				path = wb.Filename
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(path, wb.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d tabs)\n", path, len(wb.Sheets))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to the generated file name)")
	cmd.Flags().BoolVar(&grouped, "grouped", false, "one tab per form type")
	cmd.Flags().BoolVar(&report, "report", false, "summary report workbook")
	cmd.Flags().StringVar(&formType, "form-type", "", "with --grouped, only this form type")
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token signed with the configured JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.HTTP.JWTSecret == "" {
				return errors.New("no jwt secret configured: set SHEETMIRROR_JWT_SECRET or http.jwtSecret")
			}
			token, err := httpapi.IssueAdminToken(a.cfg.HTTP.JWTSecret, subject, scopes, ttl, a.now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{httpapi.ScopeAdminRead, httpapi.ScopeAdminWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
