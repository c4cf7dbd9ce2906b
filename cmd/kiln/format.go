package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/jward/kiln"
)

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
	Error   string `json:"error,omitempty"`
}

// CLIBuild is a JSON-friendly build summary.
type CLIBuild struct {
	SessionID  string         `json:"session_id"`
	Status     string         `json:"status"`
	Errors     int            `json:"errors"`
	Warnings   int            `json:"warnings"`
	DurationMS int64          `json:"duration_ms"`
	Messages   []kiln.Message `json:"messages,omitempty"`
	Generated  []string       `json:"generated,omitempty"`
}

// CLIStatus is the answer to 'kiln status'.
type CLIStatus struct {
	UpToDate bool `json:"up_to_date"`
}

// CLIServe reports where 'kiln serve' listens.
type CLIServe struct {
	Address string `json:"address"`
}

func toCLIBuild(res *kiln.Result) CLIBuild {
	b := CLIBuild{
		SessionID:  res.SessionID,
		Status:     res.Status.String(),
		Errors:     res.Errors,
		Warnings:   res.Warnings,
		DurationMS: res.Duration.Milliseconds(),
		Messages:   res.Messages,
	}
	for _, f := range res.Generated {
		b.Generated = append(b.Generated, filepath.ToSlash(filepath.Join(f.OutputRoot, f.RelativePath)))
	}
	return b
}

// outputResult writes result to stdout in the selected format.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(os.Stdout, result)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	result := CLIResult{
		Command: command,
		Error:   err.Error(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return err
}

func outputResultText(w io.Writer, result CLIResult) error {
	switch r := result.Results.(type) {
	case CLIBuild:
		formatBuildText(w, r)
	case CLIStatus:
		if r.UpToDate {
			fmt.Fprintln(w, "up to date")
		} else {
			fmt.Fprintln(w, "not up to date")
		}
	case CLIServe:
		fmt.Fprintf(w, "listening on %s\n", r.Address)
	default:
		fmt.Fprintf(w, "%v\n", r)
	}
	return nil
}

// formatBuildText prints messages compiler-style, then a summary line.
func formatBuildText(w io.Writer, b CLIBuild) {
	for _, m := range b.Messages {
		fmt.Fprintln(w, m.String())
	}
	if len(b.Generated) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "GENERATED")
		for _, g := range b.Generated {
			fmt.Fprintf(tw, "%s\n", g)
		}
		tw.Flush()
	}
	fmt.Fprintf(w, "%s: %d error(s), %d warning(s) in %s\n",
		b.Status, b.Errors, b.Warnings, time.Duration(b.DurationMS)*time.Millisecond)
}
