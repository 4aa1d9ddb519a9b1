package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"envtrack/internal/audit"
	"envtrack/internal/daemon"
	"envtrack/internal/envelope"
	"envtrack/internal/transition"
)

func newEnvelopeCommand(ctx *commandContext) *cobra.Command {
	envelopeCmd := &cobra.Command{
		Use:     "envelope",
		Aliases: []string{"env"},
		Short:   "Inspect and move envelopes",
	}

	envelopeCmd.AddCommand(newEnvelopeCreateCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeShowCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeListCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeHistoryCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeIssueCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeBindCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeReleaseCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeReturnCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeCompleteCommand(ctx))
	envelopeCmd.AddCommand(newEnvelopeDeleteCommand(ctx))

	return envelopeCmd
}

func newEnvelopeCreateCommand(ctx *commandContext) *cobra.Command {
	var section string
	var complete bool

	cmd := &cobra.Command{
		Use:   "create <key> <product-ref>",
		Short: "Register a new envelope on a warehouse shelf",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), true, func(svc *daemon.Services) error {
				result, err := svc.Engine.Create(cmd.Context(), transition.CreateRequest{
					Key:        args[0],
					ProductRef: args[1],
					Section:    section,
					IsComplete: complete,
					Actor:      ctx.actor(),
				})
				if err != nil {
					return err
				}
				return ctx.printResult(cmd, result)
			})
		},
	}

	cmd.Flags().StringVar(&section, "section", "", "Warehouse section letter (default from config)")
	cmd.Flags().BoolVar(&complete, "complete", false, "Mark the envelope complete on creation")
	return cmd
}

func newEnvelopeShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show one envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), false, func(svc *daemon.Services) error {
				env, err := svc.Engine.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, env)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintf(out, "Key:          %s\n", env.Key)
				fmt.Fprintf(out, "Product:      %s\n", env.ProductRef)
				fmt.Fprintf(out, "Status:       %s\n", formatStatus(env.Status, colorize))
				fmt.Fprintf(out, "Holder:       %s (%s)\n", env.HolderID, env.HolderType)
				if env.WarehouseSection != "" {
					fmt.Fprintf(out, "Section:      %s\n", env.WarehouseSection)
				}
				fmt.Fprintf(out, "Complete:     %s\n", yesNo(env.IsComplete))
				if env.LastOperator != "" {
					fmt.Fprintf(out, "Last actor:   %s\n", env.LastOperator)
				}
				fmt.Fprintf(out, "Updated:      %s\n", formatTime(env.UpdatedAt))
				fmt.Fprintf(out, "Next:         %s\n", formatStatusList(envelope.NextStatuses(env.Status)))
				return nil
			})
		},
	}
}

func newEnvelopeListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var page, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List envelopes, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := transition.ListRequest{Page: page, Limit: limit}
			for _, raw := range statuses {
				for part := range strings.SplitSeq(raw, ",") {
					part = strings.TrimSpace(part)
					if part == "" {
						continue
					}
					status, ok := envelope.ParseStatus(part)
					if !ok {
						return fmt.Errorf("unknown status %q", part)
					}
					req.Statuses = append(req.Statuses, status)
				}
			}
			return ctx.withServices(cmd.Context(), false, func(svc *daemon.Services) error {
				result, err := svc.Engine.List(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				if len(result.Envelopes) == 0 {
					fmt.Fprintln(out, "No envelopes")
					return nil
				}
				fmt.Fprintln(out, renderEnvelopes(result.Envelopes, shouldColorize(out)))
				fmt.Fprintf(out, "Page %d, %d of %d envelopes\n", result.Page, len(result.Envelopes), result.Total)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable or comma separated)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (default 50)")
	return cmd
}

func newEnvelopeHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <key>",
		Short: "Show the event log of an envelope, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), false, func(svc *daemon.Services) error {
				events, err := svc.Engine.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, events)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderEvents(events))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to show")
	return cmd
}

func newEnvelopeIssueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "issue <key> <cart-id>",
		Short: "Issue a warehouse envelope to a floor cart",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runTransition(cmd, func(svc *daemon.Services) (transition.Result, error) {
				return svc.Engine.Issue(cmd.Context(), args[0], args[1], ctx.actor())
			})
		},
	}
}

func newEnvelopeBindCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "bind <key> <machine-id>",
		Short: "Put an envelope into production on a machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runTransition(cmd, func(svc *daemon.Services) (transition.Result, error) {
				return svc.Engine.Bind(cmd.Context(), args[0], args[1], ctx.actor())
			})
		},
	}
}

func newEnvelopeReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <key>",
		Short: "Release an envelope from its machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runTransition(cmd, func(svc *daemon.Services) (transition.Result, error) {
				return svc.Engine.Release(cmd.Context(), args[0], ctx.actor())
			})
		},
	}
}

func newEnvelopeReturnCommand(ctx *commandContext) *cobra.Command {
	var section string

	cmd := &cobra.Command{
		Use:   "return <key>",
		Short: "Shelve an envelope from the return cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runTransition(cmd, func(svc *daemon.Services) (transition.Result, error) {
				return svc.Engine.ReturnToWarehouse(cmd.Context(), args[0], section, ctx.actor())
			})
		},
	}

	cmd.Flags().StringVar(&section, "section", "", "Warehouse section letter (default from config)")
	return cmd
}

func newEnvelopeCompleteCommand(ctx *commandContext) *cobra.Command {
	var incomplete bool

	cmd := &cobra.Command{
		Use:   "complete <key>",
		Short: "Mark an envelope complete or incomplete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runTransition(cmd, func(svc *daemon.Services) (transition.Result, error) {
				return svc.Engine.SetComplete(cmd.Context(), args[0], !incomplete, ctx.actor())
			})
		},
	}

	cmd.Flags().BoolVar(&incomplete, "incomplete", false, "Clear the complete flag instead")
	return cmd
}

func newEnvelopeDeleteCommand(ctx *commandContext) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove an envelope and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			return ctx.withServices(cmd.Context(), true, func(svc *daemon.Services) error {
				result, err := svc.Engine.Delete(cmd.Context(), args[0], ctx.actor())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%d events removed)\n", result.Key, result.EventsRemoved)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")
	return cmd
}

func (c *commandContext) runTransition(cmd *cobra.Command, apply func(*daemon.Services) (transition.Result, error)) error {
	return c.withServices(cmd.Context(), true, func(svc *daemon.Services) error {
		result, err := apply(svc)
		if err != nil {
			return err
		}
		return c.printResult(cmd, result)
	})
}

func (c *commandContext) printResult(cmd *cobra.Command, result transition.Result) error {
	if c.jsonOutput() {
		return writeJSON(cmd, result)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.String())
	return nil
}

func renderEnvelopes(envelopes []envelope.Envelope, colorize bool) string {
	rows := make([][]string, 0, len(envelopes))
	for _, env := range envelopes {
		rows = append(rows, []string{
			env.Key,
			env.ProductRef,
			formatStatus(env.Status, colorize),
			env.HolderID,
			yesNo(env.IsComplete),
			formatTime(env.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"Key", "Product", "Status", "Holder", "Complete", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func renderEvents(events []audit.Event) string {
	rows := make([][]string, 0, len(events))
	for _, event := range events {
		rows = append(rows, []string{
			strconv.FormatInt(event.ID, 10),
			event.Operation,
			event.FromStatus + " -> " + event.ToStatus,
			holderChange(event.FromHolder, event.ToHolder),
			event.Actor,
			formatTime(event.CreatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Operation", "Status", "Holder", "Actor", "At"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}
