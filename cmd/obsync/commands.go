package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kacper-wojtaszczyk/obsync/internal/config"
	"github.com/kacper-wojtaszczyk/obsync/internal/ingestion"
	"github.com/kacper-wojtaszczyk/obsync/internal/ledger"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/writer"
)

const (
	minwidth int  = 2   // minimal cell width including any padding
	tabwidth int  = 0   // width of tab characters (equivalent number of spaces)
	padding  int  = 2   // padding added to a cell before computing its width
	padchar  byte = ' ' // ASCII char used for padding
	flags    uint = 0   // formatting control flags
)

func credentialsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "credentials",
		Usage: "object store credentials file (falls back to OBSYNC_CREDENTIALS)",
	}
}

func descriptorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "file",
			Usage:    "source location: URL, listing URL ending in /, local path or glob (repeatable)",
			Required: true,
			Aliases:  []string{"f"},
		},
		credentialsFlag(),
		&cli.StringFlag{
			Name:     "bucket",
			Usage:    "destination bucket",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "prefix",
			Usage:    "destination object prefix",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "dataset name used in logs and staging (default: last prefix segment)",
		},
		&cli.StringFlag{
			Name:  "chunks",
			Usage: `chunk lengths per dimension as JSON, e.g. {"time": 365}`,
		},
		&cli.StringFlag{
			Name:  "variables",
			Usage: `"consolidated" or a comma-separated list of variables`,
			Value: model.ConsolidatedSelector,
		},
		&cli.StringFlag{
			Name:  "attrs",
			Usage: "provenance attributes as a JSON object",
		},
		&cli.IntFlag{
			Name:  "zarr-version",
			Usage: "zarr format version of the object (2 or 3)",
			Value: model.DefaultZarrVersion,
		},
		&cli.BoolFlag{
			Name:  "vars-independent",
			Usage: "write each variable as its own object under <prefix>/<variable>",
		},
	}
}

func sendCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Create a new object from the given sources",
		Flags: append(descriptorFlags(),
			&cli.StringFlag{
				Name:  "append-dim",
				Usage: "dimension later updates will append along",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "replace an existing object",
			},
		),
		Action: func(c *cli.Context) error {
			return runSingle(c, env, model.ModeSend, config.SequentialCompute())
		},
	}
}

func sendWithDaskCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "send-with-dask",
		Usage: "Create a new object, encoding and uploading chunks in parallel",
		Flags: append(descriptorFlags(),
			&cli.StringFlag{
				Name:  "append-dim",
				Usage: "dimension later updates will append along",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "replace an existing object",
			},
			&cli.StringFlag{
				Name:     "dask-config",
				Usage:    "compute configuration file (YAML)",
				Required: true,
			},
		),
		Action: func(c *cli.Context) error {
			compute, err := config.LoadCompute(c.String("dask-config"))
			if err != nil {
				return err
			}
			return runSingle(c, env, model.ModeSend, compute)
		},
	}
}

func updateCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Append new slices to an existing object along its append dimension",
		Flags: append(descriptorFlags(),
			&cli.StringFlag{
				Name:     "append-dim",
				Usage:    "dimension to append along",
				Required: true,
			},
		),
		Action: func(c *cli.Context) error {
			return runSingle(c, env, model.ModeUpdate, config.SequentialCompute())
		},
	}
}

func syncCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run every dataset of a catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "catalog",
				Usage:    "dataset catalog file (YAML)",
				Required: true,
				Aliases:  []string{"c"},
			},
			credentialsFlag(),
			&cli.StringSliceFlag{
				Name:  "only",
				Usage: "run only the named datasets",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "send, update or sync for every dataset (default: each entry's mode)",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "datasets run concurrently",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "dask-config",
				Usage: "compute configuration file (YAML)",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "let send replace existing objects",
			},
		},
		Action: func(c *cli.Context) error {
			return runCatalog(c, env)
		},
	}
}

func attrsCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "attrs",
		Usage: "Print the attributes stored on an object",
		Flags: []cli.Flag{
			credentialsFlag(),
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "bucket holding the object",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "prefix",
				Usage:    "object prefix",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			creds, err := env.credentials(c)
			if err != nil {
				return err
			}
			store, err := env.openStore(c.Context, creds, c.String("bucket"))
			if err != nil {
				return &storeError{err: err}
			}
			attrs, err := writer.New(store, writer.Options{}).ReadAttributes(c.Context, c.String("prefix"))
			if err != nil {
				return &storeError{err: err}
			}
			enc := json.NewEncoder(env.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(attrs)
		},
	}
}

func unlockCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "unlock",
		Usage: "Remove the writer lock of an object left by a killed run",
		Description: `A lock younger than OBSYNC_LOCK_TTL refuses every other writer. Use
unlock once the run holding it is known to be dead. Keys backed up by an
overwrite that was interrupted stay under <prefix>.backup for inspection.`,
		Flags: []cli.Flag{
			credentialsFlag(),
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "bucket holding the object",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "prefix",
				Usage:    "object prefix",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			creds, err := env.credentials(c)
			if err != nil {
				return err
			}
			store, err := env.openStore(c.Context, creds, c.String("bucket"))
			if err != nil {
				return &storeError{err: err}
			}
			info, found, err := writer.New(store, writer.Options{}).BreakLock(c.Context, c.String("prefix"))
			if err != nil {
				return &storeError{err: err}
			}
			if !found {
				fmt.Fprintf(env.stdout, "no lock held on %s\n", info.Key)
				return nil
			}
			fmt.Fprintf(env.stdout, "removed lock %s (run %s on %s since %s)\n", info.Key, info.RunID, info.Host, info.Since.Format(time.RFC3339))
			if info.Backups > 0 {
				fmt.Fprintf(env.stdout, "%d backed-up keys remain under %s.backup\n", info.Backups, strings.TrimSuffix(info.Key, ".lock"))
			}
			return nil
		},
	}
}

func historyCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recorded runs of a dataset from the run ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "dataset name",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "number of events to show",
				Value: 20,
			},
		},
		Action: func(c *cli.Context) error {
			if env.cfg.LedgerDSN == "" {
				return &config.ErrMissingRequiredEnvVar{Name: "OBSYNC_LEDGER_DSN"}
			}
			l, err := ledger.Open(c.Context, env.cfg.LedgerDSN)
			if err != nil {
				return &storeError{err: err}
			}
			defer l.Close()

			entries, err := l.History(c.Context, model.Dataset(c.String("name")), c.Int("limit"))
			if err != nil {
				return &storeError{err: err}
			}
			printHistory(env.stdout, entries)
			return nil
		},
	}
}

// credentials loads the store credentials before anything is fetched or written.
func (env *environment) credentials(c *cli.Context) (*config.Credentials, error) {
	p, err := env.cfg.ResolveCredentialsPath(c.String("credentials"))
	if err != nil {
		return nil, &config.CredentialError{Path: "<unset>", Reason: "no credentials file given", Err: err}
	}
	return config.LoadCredentials(p)
}

func runSingle(c *cli.Context, env *environment, mode model.Mode, compute config.Compute) error {
	d, err := descriptorFromFlags(c)
	if err != nil {
		return err
	}
	creds, err := env.credentials(c)
	if err != nil {
		return err
	}

	svc, closeLedger := env.newService(c.Context, creds, compute, c.Bool("overwrite"))
	defer closeLedger()

	rep := svc.Run(c.Context, d, mode)
	printReports(env.stdout, []ingestion.Report{rep})
	if rep.Failed() {
		return rep.Err
	}
	return nil
}

func runCatalog(c *cli.Context, env *environment) error {
	descriptors, err := config.LoadCatalog(c.String("catalog"))
	if err != nil {
		return err
	}
	if only := c.StringSlice("only"); len(only) > 0 {
		descriptors, err = selectDatasets(descriptors, only)
		if err != nil {
			return err
		}
	}
	mode := model.Mode(c.String("mode"))
	if mode != "" {
		if err := mode.Validate(); err != nil {
			return err
		}
	}
	compute := config.SequentialCompute()
	if p := c.String("dask-config"); p != "" {
		if compute, err = config.LoadCompute(p); err != nil {
			return err
		}
	}
	creds, err := env.credentials(c)
	if err != nil {
		return err
	}

	svc, closeLedger := env.newService(c.Context, creds, compute, c.Bool("overwrite"))
	defer closeLedger()

	reports, err := svc.RunBatch(c.Context, descriptors, mode, c.Int("parallel"))
	if err != nil {
		return err
	}
	printReports(env.stdout, reports)

	// the first failure in catalog order decides the exit code
	for _, r := range reports {
		if r.Failed() {
			return r.Err
		}
	}
	return nil
}

func descriptorFromFlags(c *cli.Context) (model.Descriptor, error) {
	prefix := strings.Trim(c.String("prefix"), "/")
	name := c.String("name")
	if name == "" {
		name = path.Base(prefix)
	}

	d := model.Descriptor{
		Name:            model.Dataset(name),
		Sources:         c.StringSlice("file"),
		Bucket:          c.String("bucket"),
		Prefix:          prefix,
		Variables:       model.Selector(c.String("variables")),
		AppendDim:       c.String("append-dim"),
		ZarrVersion:     c.Int("zarr-version"),
		VarsIndependent: c.Bool("vars-independent"),
	}

	if raw := c.String("chunks"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &d.Chunks); err != nil {
			return model.Descriptor{}, fmt.Errorf("--chunks: %w", err)
		}
	}
	attrs := model.Attributes{}
	if raw := c.String("attrs"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return model.Descriptor{}, fmt.Errorf("--attrs: %w", err)
		}
	}
	return d.WithAttributes(attrs), nil
}

func selectDatasets(descriptors []model.Descriptor, only []string) ([]model.Descriptor, error) {
	var out []model.Descriptor
	for _, d := range descriptors {
		if slices.Contains(only, d.Name.String()) {
			out = append(out, d)
		}
	}
	for _, name := range only {
		if !slices.ContainsFunc(out, func(d model.Descriptor) bool { return d.Name.String() == name }) {
			return nil, fmt.Errorf("dataset %q is not in the catalog", name)
		}
	}
	return out, nil
}

func printReports(out io.Writer, reports []ingestion.Report) {
	w := new(tabwriter.Writer)
	w.Init(out, minwidth, tabwidth, padding, padchar, flags)
	fmt.Fprintln(w, "Dataset\tKey\tMode\tState\tStep\tAppended\tRunID")
	fmt.Fprintln(w, "-------\t---\t----\t-----\t----\t--------\t-----")
	for _, r := range reports {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n", r.Dataset, r.Key, r.Mode, r.State, r.Step, r.Appended, r.RunID)
	}
	w.Flush()
}

func printHistory(out io.Writer, entries []ledger.Entry) {
	w := new(tabwriter.Writer)
	w.Init(out, minwidth, tabwidth, padding, padchar, flags)
	fmt.Fprintln(w, "RecordedAt\tRunID\tMode\tEvent\tState\tStep\tAppended\tError")
	fmt.Fprintln(w, "----------\t-----\t----\t-----\t-----\t----\t--------\t-----")
	for _, e := range entries {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			e.RecordedAt.Format("2006-01-02T15:04:05Z07:00"), e.RunID, e.Mode, e.Event, e.State, e.Step, e.Appended, e.Error)
	}
	w.Flush()
}
