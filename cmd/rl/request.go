package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"revline/internal/app"
	"revline/internal/domain"
	"revline/internal/engine"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:     "request",
		Aliases: []string{"req"},
		Short:   "Manage modification requests",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestRejectCmd())
	req.AddCommand(requestCompleteCmd())
	req.AddCommand(requestCostCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a modification request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = actor()
				m, err := rt.Engine.CreateModificationRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.FeedbackIDs, "feedback", nil, "feedback item ids on the active revision")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what should change")
	cmd.Flags().StringVar(&opts.Urgency, "urgency", domain.UrgencyNormal, "normal or urgent")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&opts.EstimatedCompletionDate, "eta", "", "estimated completion date")
	return cmd
}

func requestListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List modification requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.ListModificationRequests(ctx, projectID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "ID", "Status", "Urgency", "Extra cost", "Requested by", "Description"})
				for _, m := range items {
					cost := ""
					if m.IsAdditionalCost && m.AdditionalCostAmount != nil {
						cost = fmt.Sprintf("%.2f", *m.AdditionalCostAmount)
					}
					tw.AppendRow(table.Row{m.RequestNumber, m.ID, m.Status, m.Urgency, cost, m.RequestedBy, m.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a modification request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.GetModificationRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func requestApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.Approve(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a pending request and return its revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.Reject(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func requestCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <request-id>",
		Short: "Complete an approved or in-progress request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.Complete(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func requestCostCmd() *cobra.Command {
	var urgency string
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Quote what a new request would cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				q, err := rt.Engine.CalculateAdditionalCost(ctx, projectID, urgency)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				if !q.IsAdditionalCost {
					fmt.Printf("Included: %d revision(s) remaining\n", q.Remaining)
					return nil
				}
				fmt.Printf("Additional cost: %.2f (%s)\n", *q.Amount, q.Urgency)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&urgency, "urgency", domain.UrgencyNormal, "normal or urgent")
	return cmd
}

func clarifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clarify",
		Short: "Clarification questions on pending requests",
	}
	cmd.AddCommand(clarifyAskCmd())
	cmd.AddCommand(clarifyRespondCmd())
	cmd.AddCommand(clarifyResolveCmd())
	cmd.AddCommand(clarifyReconcileCmd())
	return cmd
}

func clarifyAskCmd() *cobra.Command {
	var question, feedbackID string
	cmd := &cobra.Command{
		Use:   "ask <request-id>",
		Short: "Ask the client a question about a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.RequestClarification(ctx, args[0], feedbackID, question, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&question, "question", "", "question text")
	cmd.Flags().StringVar(&feedbackID, "feedback-id", "", "feedback item the question is about")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func clarifyRespondCmd() *cobra.Command {
	var response string
	cmd := &cobra.Command{
		Use:   "respond <clarification-id>",
		Short: "Answer a clarification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.RespondClarification(ctx, args[0], response, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "answer text")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func clarifyResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <clarification-id>",
		Short: "Mark an answered clarification resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.ResolveClarification(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func clarifyReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <request-id>",
		Short: "Return a request to pending once all its clarifications are resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, reopened, err := rt.Engine.ReconcileClarifications(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"request": m, "reopened": reopened})
				}
				if !reopened {
					open := 0
					for _, c := range m.ClarificationRequests {
						if c.Status != domain.ClarificationResolved {
							open++
						}
					}
					fmt.Printf("Request %d stays %s (%d clarification(s) open)\n", m.RequestNumber, strings.ReplaceAll(m.Status, "_", " "), open)
					return nil
				}
				fmt.Printf("Request %d is pending again\n", m.RequestNumber)
				return nil
			})
		},
	}
}
