// Command kabuka runs ingestion and calendar queries from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/civil"

	"github.com/bobmcallan/kabuka/internal/app"
	"github.com/bobmcallan/kabuka/internal/calendar"
	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/models"
	"github.com/bobmcallan/kabuka/internal/services/ingest"
)

const usage = `Usage: kabuka [-config path] <command> [flags]

Commands:
  run                  ingest one date (default: latest business day)
  backfill             ingest every business day in a range
  business-days        list business days in a range
  latest-business-day  print the latest business day on or before a date
  dates                list dates already in the warehouse
  version              print version information
`

// errUsage marks failures caused by bad arguments.
var errUsage = errors.New("usage")

// errRunFailed is returned when a run finished with an error result.
var errRunFailed = errors.New("one or more runs failed")

var newApp = app.NewApp

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "kabuka: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("kabuka", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", "", "path to kabuka.toml")
	if err := global.Parse(args); err != nil {
		return errUsage
	}
	if global.NArg() == 0 {
		global.Usage()
		return errUsage
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "version":
		return printVersion(stdout)
	case "run", "backfill", "business-days", "latest-business-day", "dates":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		global.Usage()
		return errUsage
	}

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	c := &cli{app: a, stdout: stdout, stderr: stderr}
	switch cmd {
	case "run":
		return c.run(ctx, rest)
	case "backfill":
		return c.backfill(ctx, rest)
	case "business-days":
		return c.businessDays(rest)
	case "latest-business-day":
		return c.latestBusinessDay(rest)
	default:
		return c.dates(ctx, rest)
	}
}

type cli struct {
	app    *app.App
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) run(ctx context.Context, args []string) error {
	fs := c.flags("run")
	date := fs.String("date", "", "target date (default: latest business day)")
	force := fs.Bool("force", false, "ingest even when data already exists")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	trigger := models.Trigger{TriggerType: models.TriggerManual, Force: *force}
	if *date != "" {
		trigger.Date = date
	}

	result, err := c.app.Dispatcher.Process(ctx, trigger)
	if err != nil {
		return err
	}
	if err := c.writeJSON(result); err != nil {
		return err
	}
	if result.Status == models.StatusError {
		return errRunFailed
	}
	return nil
}

func (c *cli) backfill(ctx context.Context, args []string) error {
	fs := c.flags("backfill")
	from := fs.String("from", "", "first date (inclusive)")
	to := fs.String("to", "", "last date (inclusive)")
	force := fs.Bool("force", false, "ingest even when data already exists")
	concurrency := fs.Int("concurrency", ingest.DefaultBackfillConcurrency, "parallel runs")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	start, end, err := parseRange(*from, *to)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return errUsage
	}

	results, err := c.app.Ingest.Backfill(ctx, start, end, *force, *concurrency)
	if err != nil {
		return err
	}
	if err := c.writeJSON(results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Status == models.StatusError {
			return errRunFailed
		}
	}
	return nil
}

func (c *cli) businessDays(args []string) error {
	fs := c.flags("business-days")
	from := fs.String("from", "", "first date (inclusive)")
	to := fs.String("to", "", "last date (inclusive)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	start, end, err := parseRange(*from, *to)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return errUsage
	}

	for _, d := range c.app.Calendar.BusinessDaysInRange(start, end) {
		fmt.Fprintln(c.stdout, d)
	}
	return nil
}

func (c *cli) latestBusinessDay(args []string) error {
	fs := c.flags("latest-business-day")
	date := fs.String("date", "", "reference date (default: today in Tokyo)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var raw *string
	if *date != "" {
		raw = date
	}
	ref, err := c.app.Dispatcher.TargetDate(raw)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return errUsage
	}
	d, err := c.app.Calendar.LatestBusinessDay(ref)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, d)
	return nil
}

func (c *cli) dates(ctx context.Context, args []string) error {
	fs := c.flags("dates")
	limit := fs.Int("limit", 30, "maximum dates to list")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *limit < 1 {
		fmt.Fprintln(c.stderr, "limit must be positive")
		return errUsage
	}

	dates, err := c.app.Ingest.ExistingDates(ctx, *limit)
	if err != nil {
		return err
	}
	for _, d := range dates {
		fmt.Fprintln(c.stdout, d)
	}
	return nil
}

func printVersion(w io.Writer) error {
	common.LoadVersionFromFile()
	_, err := fmt.Fprintf(w, "kabuka %s\n", common.GetFullVersion())
	return err
}

func (c *cli) writeJSON(v interface{}) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseRange(from, to string) (civil.Date, civil.Date, error) {
	if from == "" || to == "" {
		return civil.Date{}, civil.Date{}, errors.New("-from and -to are required")
	}
	start, err := calendar.ParseDate(from)
	if err != nil {
		return civil.Date{}, civil.Date{}, err
	}
	end, err := calendar.ParseDate(to)
	if err != nil {
		return civil.Date{}, civil.Date{}, err
	}
	if end.Before(start) {
		return civil.Date{}, civil.Date{}, fmt.Errorf("-to %s is before -from %s", end, start)
	}
	return start, end, nil
}
