package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"envtrack/internal/audit"
	"envtrack/internal/daemon"
)

func newConflictsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "conflicts <key>",
		Short: "Show rejected operations recorded for an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), false, func(svc *daemon.Services) error {
				conflicts, err := svc.Engine.Conflicts(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, conflicts)
				}
				out := cmd.OutOrStdout()
				if len(conflicts) == 0 {
					fmt.Fprintf(out, "No conflicts recorded for %s\n", args[0])
					return nil
				}
				fmt.Fprintln(out, renderConflicts(conflicts))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to show")
	return cmd
}

func newImagesCommand(ctx *commandContext) *cobra.Command {
	imagesCmd := &cobra.Command{
		Use:   "images",
		Short: "Note image maintenance",
	}
	imagesCmd.AddCommand(newImagesSweepCommand(ctx))
	return imagesCmd
}

func newImagesSweepCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove image files no active image references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), !dryRun, func(svc *daemon.Services) error {
				result, err := svc.Sweeper.Run(cmd.Context(), dryRun)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				verb := "Removed"
				if dryRun {
					verb = "Would remove"
				}
				for _, path := range result.Removed {
					fmt.Fprintf(out, "%s %s\n", verb, path)
				}
				for _, missing := range result.Missing {
					fmt.Fprintf(out, "Missing file for image %d: %s\n", missing.ImageID, missing.StoragePath)
				}
				for _, failure := range result.Errors {
					fmt.Fprintf(out, "Failed %s: %s\n", failure.Path, failure.Error)
				}
				fmt.Fprintf(out, "Scanned %d files: %d orphaned, %d within grace, %d missing\n",
					result.Scanned, len(result.Removed), result.Kept, len(result.Missing))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report orphans without removing them")
	return cmd
}

func renderConflicts(conflicts []audit.Conflict) string {
	rows := make([][]string, 0, len(conflicts))
	for _, conflict := range conflicts {
		rows = append(rows, []string{
			strconv.FormatInt(conflict.ID, 10),
			conflict.Code,
			conflict.Actor,
			conflict.Location,
			detailString(conflict.Details, "action"),
			formatTime(conflict.CreatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Code", "Actor", "Location", "Action", "At"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func detailString(details map[string]any, key string) string {
	if value, ok := details[key]; ok && value != nil {
		return fmt.Sprint(value)
	}
	return ""
}
