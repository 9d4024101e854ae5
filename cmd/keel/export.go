package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/joho/godotenv"

	"github.com/basisworks/keel/pkg/audit"
	"github.com/basisworks/keel/pkg/config"
	"github.com/basisworks/keel/pkg/trust"
)

// runExport builds a signed evidence pack for one tenant and writes it to
// the configured sink (or --out for a local directory).
func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tenant := cmd.String("tenant", "", "Tenant to export (REQUIRED)")
	out := cmd.String("out", "", "Local output directory (overrides the configured sink)")
	start := cmd.String("start", "", "Window start, RFC 3339 (default: beginning of chain)")
	end := cmd.String("end", "", "Window end, RFC 3339 (default: now)")
	jsonOut := cmd.Bool("json", false, "Emit the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	var window audit.ExportWindow
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			fmt.Fprintf(stderr, "Error: --start must be RFC 3339: %v\n", err)
			return 2
		}
		window.Start = t
	}
	if *end != "" {
		t, err := time.Parse(time.RFC3339, *end)
		if err != nil {
			fmt.Fprintf(stderr, "Error: --end must be RFC 3339: %v\n", err)
			return 2
		}
		window.End = t
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%s configuration: %v\n", glyphFail, err)
		return 2
	}

	svc, cleanup, err := openAuditService()
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", glyphFail, err)
		return 1
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var signer trust.Signer
	if cfg.SigningKeyPath != "" {
		keyring, err := trust.LoadKeyring(cfg.SigningKeyPath)
		if err != nil {
			fmt.Fprintf(stderr, "%s signing key: %v\n", glyphFail, err)
			return 1
		}
		signer, err = keyring.ForPurpose(trust.PurposeExport)
		if err != nil {
			fmt.Fprintf(stderr, "%s %v\n", glyphFail, err)
			return 1
		}
	} else {
		fmt.Fprintf(stderr, "%s no KEEL_SIGNING_KEY_PATH configured; the pack manifest will be unsigned\n", glyphWarn)
	}

	sinkCfg := sinkConfig(cfg)
	if *out != "" {
		sinkCfg = audit.SinkConfig{Kind: "file", Dir: *out}
	}
	sink, err := audit.NewSink(ctx, sinkCfg)
	if err != nil {
		fmt.Fprintf(stderr, "%s export sink: %v\n", glyphFail, err)
		return 1
	}
	exporter, err := audit.NewExporter(svc, signer, sink)
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", glyphFail, err)
		return 1
	}

	result, err := exporter.ExportPack(ctx, *tenant, window)
	if err != nil {
		fmt.Fprintf(stderr, "%s export failed: %v\n", glyphFail, err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		fmt.Fprintf(stdout, "%s exported %d records to %s\n", glyphOK, result.RecordCount, result.Location)
		fmt.Fprintf(stdout, "    checksum %s\n", result.Checksum)
	}
	return 0
}
