package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/app"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/httpapi"
)

func openRuntime(ctx context.Context, config func() (app.Config, error)) (app.Config, *app.Runtime, error) {
	cfg, err := config()
	if err != nil {
		return cfg, nil, err
	}
	rt, err := app.OpenRuntime(ctx, cfg, log.WithField("component", "jobctl"))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, rt, nil
}

func statusCmd(config func() (app.Config, error)) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status <jobID>",
		Short: "Show a job progress record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, rt, err := openRuntime(ctx, config)
			if err != nil {
				return err
			}
			defer rt.Close()

			progress, err := rt.Progress.Find(ctx, args[0])
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), output, []domain.JobProgress{progress})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}

func listCmd(config func() (app.Config, error)) *cobra.Command {
	var (
		output string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job progress records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.ProgressFilter{Limit: limit}
			if status != "" {
				filter.Status = domain.JobStatus(status)
				if !filter.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}

			ctx := cmd.Context()
			_, rt, err := openRuntime(ctx, config)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.Progress.List(ctx, filter)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), output, records)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records")
	return cmd
}

func shipCmd(config func() (app.Config, error)) *cobra.Command {
	var (
		output string
		seed   bool
	)

	cmd := &cobra.Command{
		Use:   "ship <jobID> <orderID>...",
		Short: "Run a bulk-ship job synchronously and print the summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, rt, err := openRuntime(ctx, config)
			if err != nil {
				return err
			}
			defer rt.Close()

			jobID := args[0]
			items := make([]domain.ItemRef, 0, len(args)-1)
			for _, orderID := range args[1:] {
				items = append(items, domain.ItemRef(orderID))
			}

			if seed {
				if err := seedOrders(ctx, rt.Orders, args[1:]); err != nil {
					return err
				}
			}

			summary, err := rt.NewShipRunner(cfg, nil).Run(ctx, jobID, items)
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), output, summary)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	cmd.Flags().BoolVar(&seed, "seed", false, "Create pending demo orders for missing IDs before shipping")
	return cmd
}

// seedOrders создаёт pending-заказы для отсутствующих ID (демо и локальная проверка).
func seedOrders(ctx context.Context, repo domain.OrderRepository, ids []string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := repo.Get(ctx, id); err == nil {
			continue
		}
		order := domain.Order{
			ID:          id,
			CustomerID:  "jobctl-demo",
			Status:      domain.OrderStatusPending,
			Currency:    "USD",
			AmountMinor: 1000,
			Items: []domain.OrderItem{
				{ID: uuid.NewString(), SKU: "DEMO-SKU", Qty: 1, PriceMinor: 1000, CreatedAt: now},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.Create(ctx, order); err != nil {
			return fmt.Errorf("seed order %s: %w", id, err)
		}
	}
	return nil
}

func printJobs(out io.Writer, format string, records []domain.JobProgress) error {
	if format == "json" {
		views := make([]httpapi.JobView, 0, len(records))
		for _, record := range records {
			views = append(views, httpapi.NewJobView(record))
		}
		var payload any = views
		if len(views) == 1 {
			payload = views[0]
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tATTEMPT\tPROCESSED\tFAILED\tUPDATED\tLAST ERROR")
	for _, p := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%d\t%s\t%s\n",
			p.JobID, p.Status, p.Attempt, p.ProcessedCount, p.TotalCount, p.FailedCount,
			p.UpdatedAt.Format(time.RFC3339), p.LastError)
	}
	return w.Flush()
}

func printSummary(out io.Writer, format string, s domain.JobSummary) error {
	if format == "json" {
		data, err := json.MarshalIndent(map[string]any{
			"job_id":            s.JobID,
			"run_id":            s.RunID,
			"status":            s.Status,
			"processed":         s.Processed,
			"total":             s.Total,
			"failed":            s.Failed,
			"compensated":       s.Compensated,
			"checkpoint_errors": s.CheckpointErrors,
			"elapsed_ms":        s.Elapsed.Milliseconds(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tRUN\tSTATUS\tPROCESSED\tFAILED\tCOMPENSATED\tELAPSED")
	fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
		s.JobID, s.RunID, s.Status, s.Processed, s.Total, s.Failed, s.Compensated, s.Elapsed)
	return w.Flush()
}
