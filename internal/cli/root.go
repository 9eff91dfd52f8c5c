package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"bookstore/internal/models"
	"bookstore/internal/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Operations are the maintenance actions the CLI drives.
type Operations interface {
	SweepStaleOrders(ctx context.Context) (service.SweepSummary, error)
	RetryPendingAdjustments(ctx context.Context) (int, error)
	ReconcileOrder(ctx context.Context, orderID uuid.UUID) (*service.ReconcileResult, error)
}

// Migrator applies the database schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Runtime is what a command needs from the outside world.
type Runtime struct {
	Migrator   Migrator
	Operations Operations
	Close      func() error
}

// Connector builds a Runtime. Commands call it lazily so flag errors never
// touch the database.
type Connector func(ctx context.Context) (*Runtime, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format  string // "json" | "text"
	Timeout time.Duration

	connect Connector
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for bookstorectl.
func NewRootCommand(connect Connector) *cobra.Command {
	opts := &RootOptions{connect: connect}

	cmd := &cobra.Command{
		Use:   "bookstorectl",
		Short: "Operate the bookstore checkout service",
		Long:  "Maintenance commands for the checkout database, payment settlement and stock adjustments.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall command timeout")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// run connects, executes fn under the command timeout and releases the runtime.
func (o *RootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()

	rt, err := o.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if rt.Close != nil {
		defer rt.Close()
	}
	return fn(ctx, rt)
}

// print writes v as indented JSON or as the text line.
func (o *RootOptions) print(w io.Writer, v interface{}, text string) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, rt *Runtime) error {
				if err := rt.Migrator.Migrate(ctx); err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]bool{"migrated": true}, "schema up to date")
			})
		},
	}
}

type sweepOutput struct {
	service.SweepSummary
	AdjustmentsApplied int `json:"adjustmentsApplied"`
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Settle stale pending orders and retry pending stock adjustments once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, rt *Runtime) error {
				summary, err := rt.Operations.SweepStaleOrders(ctx)
				if err != nil {
					return fmt.Errorf("sweep stale orders: %w", err)
				}
				applied, err := rt.Operations.RetryPendingAdjustments(ctx)
				if err != nil {
					return fmt.Errorf("retry stock adjustments: %w", err)
				}

				out := sweepOutput{SweepSummary: summary, AdjustmentsApplied: applied}
				text := fmt.Sprintf("polled=%d paid=%d failed=%d cancelled=%d errors=%d adjustments=%d",
					summary.Polled, summary.Paid, summary.Failed, summary.Cancelled, summary.Errors, applied)
				return opts.print(cmd.OutOrStdout(), out, text)
			})
		},
	}
}

type reconcileOutput struct {
	OrderID       uuid.UUID            `json:"orderId"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
	Status        models.OrderStatus   `json:"status"`
	Paid          bool                 `json:"paid"`
}

func newReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <order-id>",
		Short: "Poll the payment processor for one order and settle it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}

			return opts.run(cmd, func(ctx context.Context, rt *Runtime) error {
				result, err := rt.Operations.ReconcileOrder(ctx, orderID)
				if err != nil {
					return err
				}
				out := reconcileOutput{
					OrderID:       result.Order.ID,
					PaymentStatus: result.Order.PaymentStatus,
					Status:        result.Order.Status,
					Paid:          result.Paid,
				}
				text := fmt.Sprintf("order %s: payment=%s status=%s", out.OrderID, out.PaymentStatus, out.Status)
				return opts.print(cmd.OutOrStdout(), out, text)
			})
		},
	}
}
