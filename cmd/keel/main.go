package main

import (
	"fmt"
	"io"
	"os"
)

// Version is stamped by the release build via -ldflags.
var Version = "0.1.0-dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the CLI. It is the entrypoint for tests as well: exit
// codes are returned, never called.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "lint":
		return runLint(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "keel %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

// Status glyphs for command output.
const (
	glyphOK   = colorGreen + "✓" + colorReset
	glyphFail = colorRed + "✗" + colorReset
	glyphWarn = colorYellow + "!" + colorReset
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sKeel %s%s\n", colorBold+colorBlue, Version, colorReset)
	fmt.Fprintf(w, "%sPolicy-governed execution for autonomous agents.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  keel <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the governance API server (default)")

	printSection(w, "POLICY")
	printCommand(w, "lint", "Validate policy bundle files")

	printSection(w, "AUDIT")
	printCommand(w, "verify", "Verify a tenant's audit chain (--tenant)")
	printCommand(w, "export", "Export a signed evidence pack (--tenant, --out)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}
