package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docpipe/internal/webhook"
)

func newWebhookCommand(ctx *commandContext) *cobra.Command {
	webhookCmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook subscriptions",
	}
	webhookCmd.AddCommand(newWebhookListCommand(ctx))
	webhookCmd.AddCommand(newWebhookAddCommand(ctx))
	webhookCmd.AddCommand(newWebhookRemoveCommand(ctx))
	webhookCmd.AddCommand(newWebhookToggleCommand(ctx, "enable", true))
	webhookCmd.AddCommand(newWebhookToggleCommand(ctx, "disable", false))
	webhookCmd.AddCommand(newWebhookDeadLettersCommand(ctx))
	return webhookCmd
}

func newWebhookListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := ctx.client().listWebhooks(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(subs) == 0 {
				fmt.Fprintln(out, "No webhook subscriptions")
				return nil
			}
			rows := make([][]string, 0, len(subs))
			for _, sub := range subs {
				rows = append(rows, []string{
					sub.ID,
					sub.Name,
					sub.URL,
					strings.Join(sub.Events, ", "),
					yesNo(sub.Active),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "NAME", "URL", "EVENTS", "ACTIVE"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newWebhookAddCommand(ctx *commandContext) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register a webhook subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := ctx.client().addWebhook(cmd.Context(), args[0], args[1], events)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s) for %s\n",
				sub.Name, sub.ID, strings.Join(sub.Events, ", "))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&events, "event", nil,
		"Event to subscribe to (repeatable; defaults to "+webhook.EventDocumentCompleted+")")
	return cmd
}

func newWebhookRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <subscription-id>",
		Short: "Delete a webhook subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().removeWebhook(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newWebhookToggleCommand(ctx *commandContext, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <subscription-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a webhook subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().setWebhookActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s %sd\n", args[0], verb)
			return nil
		},
	}
}

func newWebhookDeadLettersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deadletters",
		Short: "List deliveries that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			letters, err := ctx.client().deadLetters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(letters) == 0 {
				fmt.Fprintln(out, "No dead-lettered deliveries")
				return nil
			}
			rows := make([][]string, 0, len(letters))
			for _, letter := range letters {
				rows = append(rows, []string{
					letter.SubscriptionID,
					letter.DocumentID,
					letter.Event,
					fmt.Sprintf("%d", letter.Attempts),
					truncate(letter.LastError, 60),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"SUBSCRIPTION", "DOCUMENT", "EVENT", "ATTEMPTS", "LAST ERROR"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}
