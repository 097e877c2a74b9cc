package main

import (
	"context"
	"errors"
	"io"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/hazz-dev/svcwatch/internal/checker"
	"github.com/hazz-dev/svcwatch/internal/config"
)

// runOnce executes every configured check once, ignoring schedules and
// sending no mail, and prints a summary table to out. Checks cut short by
// ctx being cancelled are not reported as failures.
func runOnce(ctx context.Context, out io.Writer, cfg *config.Config, exec checker.CommandExecutor) error {
	results := make([]checker.Result, len(cfg.Services))

	var g errgroup.Group
	g.SetLimit(max(cfg.Scheduler.MaxParallel, 1))
	for i, svc := range cfg.Services {
		g.Go(func() error {
			results[i] = exec.Run(ctx, svc.Command, svc.Timeout.Duration)
			return nil
		})
	}
	_ = g.Wait()

	table := tablewriter.NewWriter(out)
	table.Header("SERVICE", "COMMAND", "STATUS", "RESULT", "DURATION")
	allUp := true
	for i, svc := range cfg.Services {
		r := results[i]
		table.Append([]string{
			svc.Name,
			shellescape.QuoteCommand(svc.Command),
			string(r.Status()),
			r.Describe(),
			r.Duration.Round(time.Millisecond).String(),
		})
		if !r.OK() {
			allUp = false
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return nil
	}
	if !allUp {
		return errors.New("one or more checks failed")
	}
	return nil
}
