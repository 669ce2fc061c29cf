package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-forms/internal/index"
	"github.com/a3tai/mcp-pdf-forms/internal/logging"
	"github.com/a3tai/mcp-pdf-forms/internal/pdf/extraction"
)

// RegionReport is the indexed region table of one PDF
type RegionReport struct {
	FilePath     string                `json:"file_path"`
	IndexVersion int                   `json:"index_version"`
	Fingerprint  string                `json:"fingerprint"`
	Regions      []index.IndexedRegion `json:"regions"`
	Instructions string                `json:"instructions,omitempty"`
}

func main() {
	fs := pflag.NewFlagSet("pdf_form_regions", pflag.ContinueOnError)
	format := fs.String("format", "text", "Output format: text, json")
	instructions := fs.Bool("instructions", false, "Also print the key/label/position block given to the model")
	verbose := fs.Bool("verbose", false, "Log extraction details to stderr")
	fs.Usage = func() { printUsage(os.Stderr, fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: PDF file path required\n\n")
		printUsage(os.Stderr, fs)
		os.Exit(1)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(level, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	report, err := buildReport(fs.Arg(0), *instructions, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := writeReport(os.Stdout, report, *format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "PDF Form Regions - list the indexed input regions of a fillable PDF")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  pdf_form_regions [OPTIONS] <pdf_file>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "OPTIONS:")
	fmt.Fprint(w, fs.FlagUsages())
}

func buildReport(path string, withInstructions bool, log *zap.Logger) (*RegionReport, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	regions, err := extraction.NewExtractor(log).ExtractFile(absPath)
	if err != nil {
		return nil, err
	}
	m, err := index.Build(regions)
	if err != nil {
		return nil, err
	}

	report := &RegionReport{
		FilePath:     absPath,
		IndexVersion: index.Version,
		Fingerprint:  m.Fingerprint(),
		Regions:      m.Regions(),
	}
	if withInstructions {
		report.Instructions = m.Instructions()
	}
	return report, nil
}

func writeReport(w io.Writer, report *RegionReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "text":
		fmt.Fprintf(w, "%s: %d regions (index v%d, fingerprint %s)\n\n",
			report.FilePath, len(report.Regions), report.IndexVersion, report.Fingerprint)
		for _, r := range report.Regions {
			fmt.Fprintf(w, "[%d] %s\n", r.Key, r.Region.Label)
			fmt.Fprintf(w, "    Type: %s\n", r.Region.Kind)
			fmt.Fprintf(w, "    Page: %d\n", r.Region.Page)
			fmt.Fprintf(w, "    Position: (%.1f, %.1f) to (%.1f, %.1f)\n",
				r.Region.Box.X1, r.Region.Box.Y1, r.Region.Box.X2, r.Region.Box.Y2)
			if r.Region.Value != "" {
				fmt.Fprintf(w, "    Value: %s\n", r.Region.Value)
			}
		}
		if report.Instructions != "" {
			fmt.Fprintf(w, "\nInstructions:\n%s", report.Instructions)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
