package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runwayhq/runway/pkg/controller"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/reconciler"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply records from a YAML file",
	Long: `Create or update records from a YAML file. Every write goes through
the same validation and gateway as the API.

A file holds one or more documents separated by "---":

  collection: incidents
  records:
    - id: inc-1
      title: Bird strike on approach
      status: Open
      severity: High

Records with an id that already exists are updated; the rest are created.

Examples:
  runway apply -f seed.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the store to confirm the writes")
	_ = applyCmd.MarkFlagRequired("file")
}

// RecordBatch is one document of an apply file
type RecordBatch struct {
	Collection string           `yaml:"collection"`
	Records    []map[string]any `yaml:"records"`
}

// readBatches decodes every document of an apply file
func readBatches(r io.Reader) ([]RecordBatch, error) {
	dec := yaml.NewDecoder(r)
	var batches []RecordBatch
	for {
		var b RecordBatch
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if b.Collection == "" {
			return nil, fmt.Errorf("document %d: collection is required", len(batches)+1)
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	wait, _ := cmd.Flags().GetDuration("wait")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()
	batches, err := readBatches(f)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	recon := reconciler.NewReconciler(e.cfg.Edits.SweepInterval, log.Logger)
	out := cmd.OutOrStdout()
	controllers := make(map[string]*controller.Controller)
	defer func() {
		for _, c := range controllers {
			c.Unmount()
		}
	}()

	failed := 0
	for _, b := range batches {
		ctrl, ok := controllers[b.Collection]
		if !ok {
			ctrl, err = mountController(ctx, e, b.Collection)
			if err != nil {
				return err
			}
			controllers[b.Collection] = ctrl
			recon.Register(ctrl)
		}
		for _, rec := range b.Records {
			if err := applyRecord(ctx, ctrl, rec, out); err != nil {
				failed++
				fmt.Fprintf(out, "✗ %s: %v\n", b.Collection, err)
			}
		}
	}

	if err := awaitConfirmed(ctx, recon, wait); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d record(s) failed", failed)
	}
	return nil
}

func applyRecord(ctx context.Context, ctrl *controller.Controller, rec map[string]any, out io.Writer) error {
	fields := make(map[string]any, len(rec))
	for k, v := range rec {
		fields[k] = v
	}
	id := types.Stringify(fields[types.ColumnID])
	delete(fields, types.ColumnID)

	if id != "" && ctrl.Exists(id) {
		if err := ctrl.Update(ctx, id, fields); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ %s updated: %s\n", ctrl.Collection(), id)
		return nil
	}

	var err error
	if id == "" {
		id, err = ctrl.Create(ctx, fields)
	} else {
		id, err = ctrl.CreateWithID(ctx, id, fields)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s created: %s\n", ctrl.Collection(), id)
	return nil
}

// awaitConfirmed sweeps until every accepted write has been echoed back by
// the store or wait runs out. Unconfirmed writes are reported, not undone.
func awaitConfirmed(ctx context.Context, recon *reconciler.Reconciler, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		report := recon.Sweep()
		if report.Pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d write(s) not confirmed by the store after %s", report.Pending, wait)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
