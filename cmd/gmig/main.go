// Command gmig migrates a Gmail account's mail to an IMAP server,
// preserving label-derived folder structure, read/starred state, and
// original message time (SPEC_FULL.md §4.10).
//
// Grounded on danmarg-outtake's root main.go: a single-command cli.App
// with a flat flag set and a `\r`-updating progress line, ported from
// the archived codegangsta/cli v1 API that main.go actually used to
// `urfave/cli/v2`, which is what its own go.mod already declared.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/gmig/gmig/internal/auth"
	"github.com/gmig/gmig/internal/config"
	"github.com/gmig/gmig/internal/engine"
	"github.com/gmig/gmig/internal/foldermap"
	"github.com/gmig/gmig/internal/gmailsource"
	"github.com/gmig/gmig/internal/imapsink"
	"github.com/gmig/gmig/internal/label"
	"github.com/gmig/gmig/internal/progress"
	"github.com/gmig/gmig/lib"
)

const tokenCacheFile = "gmig-token.db"

func main() {
	app := &cli.App{
		Name:  "gmig",
		Usage: "Migrate a Gmail account to an IMAP server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Required: true, Usage: "path to config.toml"},
			&cli.BoolFlag{Name: "verbose", Usage: "log at debug level"},
			&cli.BoolFlag{Name: "verify-labels", Usage: "print label -> folder mapping and exit"},
			&cli.BoolFlag{Name: "dry-run", Usage: "list labels and message counts, without transferring"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gmig:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log := logrus.New()
	if ctx.Bool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}

	source, labels, err := connectGmail(ctx.Context, cfg, entry)
	if err != nil {
		return cli.Exit(err, 1)
	}
	mapper := foldermap.New(cfg.Settings.LabelMappings)

	switch {
	case ctx.Bool("verify-labels"):
		if err := verifyLabels(labels, mapper); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	case ctx.Bool("dry-run"):
		return dryRun(source, labels, mapper, entry)
	default:
		if err := transfer(ctx.Context, cfg, source, labels, mapper, entry); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	}
}

// connectGmail authenticates against Gmail and returns the source client
// plus every label on the account, already filtered to the transfer set
// (spec.md §6 system-label filter).
func connectGmail(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*gmailsource.Source, []label.Label, error) {
	oauthCfg, err := auth.LoadConfig(cfg.Gmail.CredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	cache, err := auth.NewCache(tokenCacheFile, log)
	if err != nil {
		return nil, nil, err
	}
	httpClient, err := cache.Client(ctx, oauthCfg)
	if err != nil {
		return nil, nil, err
	}
	source, err := gmailsource.New(ctx, httpClient, log)
	if err != nil {
		return nil, nil, err
	}
	all, err := source.ListLabels()
	if err != nil {
		return nil, nil, err
	}
	var transferable []label.Label
	for _, l := range all {
		if label.Transferable(l) {
			transferable = append(transferable, l)
		}
	}
	return source, transferable, nil
}

// verifyLabels prints the label -> folder mapping and reports whether
// every configured override actually names a label present on the
// account (spec §4.10 --verify-labels).
func verifyLabels(labels []label.Label, mapper *foldermap.Mapper) error {
	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		known[l.Name] = true
		fmt.Printf("%s -> %s\n", l.Name, mapper.Folder(l.Name))
	}
	for name := range mapper.Overrides {
		if !known[name] {
			return fmt.Errorf("label_mappings references %q, which does not exist on this account", name)
		}
	}
	return nil
}

// dryRun lists every transferable label and its message count without
// fetching bodies or touching IMAP (spec §4.10 --dry-run).
func dryRun(source *gmailsource.Source, labels []label.Label, mapper *foldermap.Mapper, log *logrus.Entry) error {
	for _, l := range labels {
		refs, err := source.ListMessageIDs(l.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s (-> %s): %d messages\n", l.Name, mapper.Folder(l.Name), len(refs))
	}
	return nil
}

// transfer runs the full migration: connect the IMAP Sink, create every
// destination folder, and drive the Transfer Engine across each
// transferable label in sequence (spec §5 "labels processed strictly
// sequentially").
func transfer(ctx context.Context, cfg *config.Config, source *gmailsource.Source, labels []label.Label, mapper *foldermap.Mapper, log *logrus.Entry) error {
	store := progress.Load(cfg.Settings.ProgressFile, log)
	store.SetTotalLabels(len(labels))

	sink, err := imapsink.New(imapsink.Config{
		Server:   cfg.IMAP.Server,
		Port:     cfg.IMAP.Port,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		UseSSL:   cfg.IMAP.UseSSL,
	}, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	e := engine.New(source, sink, store, log,
		engine.WithBatchSize(cfg.Settings.BatchSize),
		engine.WithProgressSaveInterval(cfg.Settings.ProgressSaveInterval))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("gmig: shutdown requested, draining in-flight work")
		e.RequestShutdown()
	}()
	defer signal.Stop(sigCh)

	folderMapping := map[string]string{}
	lastPrint := time.Time{}
	labelFailed := false
	for _, l := range labels {
		if e.ShuttingDown() {
			break
		}
		folder := mapper.Folder(l.Name)
		folderMapping[l.ID] = folder
		if err := sink.CreateFolder(folder); err != nil {
			return err
		}

		refs, err := source.ListMessageIDs(l.ID)
		if err != nil {
			return err
		}
		if err := e.TransferLabel(l.ID, folder, refs); err != nil {
			log.WithField("label", l.Name).WithError(err).Error("gmig: label transfer ended with an error")
			labelFailed = true
		}

		if time.Since(lastPrint) > 2*time.Second || e.ShuttingDown() {
			lastPrint = time.Now()
			p := lib.Progress{Current: int64(store.TransferredCount(l.ID)), Total: int64(len(refs))}
			fmt.Printf("\r%s: %d/%d transferred  ", l.Name, p.Current, p.Total)
		}
	}
	fmt.Println()

	store.SetFolderMapping(folderMapping)
	store.Flush(true)
	if labelFailed {
		return fmt.Errorf("one or more labels ended with an error")
	}
	return nil
}
