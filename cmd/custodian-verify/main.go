package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/custodian/pkg/config"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/signing"
	"github.com/platinummonkey/custodian/pkg/storage/sqlstore"
)

var (
	exportFormat = flag.String("export", "", "Also export the history: json, ndjson or csv")
	outPath      = flag.String("out", "-", "Export destination file, - for stdout")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <entity_type>:<entity_id> ...\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "Verifies the hash chain and signatures of each audit history.")
	fmt.Fprintln(flag.CommandLine.Output(), "Database and signing key settings come from CUSTODIAN_* environment variables.")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := observability.NewLogger(cfg.Observability.LogLevel, "text", os.Stderr)

	keys := make([]ledger.Key, 0, flag.NArg())
	for _, arg := range flag.Args() {
		key, err := parseKey(arg)
		if err != nil {
			log.WithError(err).Fatal("Invalid entity")
		}
		keys = append(keys, key)
	}

	var format ledger.ExportFormat
	if *exportFormat != "" {
		if format, err = ledger.ParseExportFormat(*exportFormat); err != nil {
			log.WithError(err).Fatal("Invalid export format")
		}
	}

	ctx := context.Background()
	db, err := sqlstore.Open(cfg.Storage, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	signer, err := signing.LoadEd25519SeedFile(cfg.Ledger.SigningKeyFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load signing key")
	}
	retired, err := signing.LoadVerifiers(cfg.Ledger.RetiredKeyFiles)
	if err != nil {
		log.WithError(err).Fatal("Failed to load retired signing keys")
	}
	l := ledger.New(sqlstore.NewLedgerStore(db), signer,
		ledger.WithVerifiers(retired...),
		ledger.WithLogger(log),
	)

	broken := 0
	for _, key := range keys {
		res, err := l.Verify(ctx, key)
		if err != nil {
			log.WithError(err).WithField("entity", key.String()).Error("Verification failed to run")
			broken++
			continue
		}
		entry := log.WithFields(logrus.Fields{
			"entity":  key.String(),
			"checked": res.Checked,
		})
		if !res.OK {
			broken++
			entry.WithFields(logrus.Fields{
				"failed_index": res.FailedIndex,
				"seq":          res.Seq,
				"reason":       res.Reason,
			}).Error("Chain broken")
			continue
		}
		entry.Info("Chain intact")
	}

	if format != "" {
		if err := export(ctx, l, keys, format); err != nil {
			log.WithError(err).Error("Export failed")
			db.Close()
			os.Exit(1)
		}
	}

	if broken > 0 {
		db.Close()
		os.Exit(1)
	}
}

func parseKey(s string) (ledger.Key, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return ledger.Key{}, fmt.Errorf("expected <entity_type>:<entity_id>, got %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ledger.Key{}, fmt.Errorf("invalid entity id %q: %w", id, err)
	}
	key := ledger.Key{EntityType: typ, EntityID: n}
	return key, key.Validate()
}

func export(ctx context.Context, l *ledger.Ledger, keys []ledger.Key, format ledger.ExportFormat) error {
	var w io.Writer = os.Stdout
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	for _, key := range keys {
		if _, err := l.Export(ctx, w, key, ledger.Query{}, format); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
