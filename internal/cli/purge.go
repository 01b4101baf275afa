package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
)

func (a *app) cmdPurge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(a.errOut)

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: qcgen purge <job-dir>")
	}

	p, _, _, err := a.loadStack(ctx)
	if err != nil {
		return err
	}

	report, err := p.Purge(ctx, fs.Arg(0), time.Now())
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "kept %d, deleted %d, compressed %d, external %d, freed %d bytes\n",
		report.Kept, len(report.Deleted), len(report.Compressed), len(report.External), report.FreedBytes)

	return nil
}
