package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basisworks/keel/pkg/basis"
)

// runLint parses and validates each named bundle file. Exit 0 when every
// bundle is clean, 1 when any has issues, 2 on usage errors.
func runLint(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("lint", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "Emit results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	files := cmd.Args()
	if len(files) == 0 {
		fmt.Fprintln(stderr, "Usage: keel lint [--json] <bundle.yaml|bundle.json>...")
		return 2
	}

	type fileResult struct {
		File   string                  `json:"file"`
		Valid  bool                    `json:"valid"`
		Error  string                  `json:"error,omitempty"`
		Issues []basis.ValidationIssue `json:"issues,omitempty"`
	}

	results := make([]fileResult, 0, len(files))
	clean := true
	for _, file := range files {
		res := fileResult{File: file, Valid: true}
		data, err := os.ReadFile(file)
		if err != nil {
			res.Valid = false
			res.Error = err.Error()
			clean = false
			results = append(results, res)
			continue
		}
		bundle, err := basis.Parse(data, basis.FormatAuto)
		if err != nil {
			res.Valid = false
			res.Error = err.Error()
			clean = false
			results = append(results, res)
			continue
		}
		if issues := basis.Validate(bundle); len(issues) > 0 {
			res.Valid = false
			res.Issues = issues
			clean = false
		}
		results = append(results, res)
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		for _, res := range results {
			if res.Valid {
				fmt.Fprintf(stdout, "%s %s\n", glyphOK, res.File)
				continue
			}
			fmt.Fprintf(stdout, "%s %s\n", glyphFail, res.File)
			if res.Error != "" {
				fmt.Fprintf(stdout, "    %s\n", res.Error)
			}
			for _, issue := range res.Issues {
				fmt.Fprintf(stdout, "    %s\n", issue.String())
			}
		}
	}

	if !clean {
		return 1
	}
	return 0
}
