package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/transition"
)

// opReport is the structured result printed after a consumer-interface
// operation: the state id after the operation, how many packages changed,
// how many files were placed and removed, and how long it took. It carries
// no bytes-transferred figure and no per-package names or versions.
type opReport struct {
	Operation       string  `json:"operation"`
	StateID         string  `json:"state_id,omitempty"`
	PackagesChanged int     `json:"packages_changed"`
	FilesPlaced     int     `json:"files_placed"`
	FilesRemoved    int     `json:"files_removed"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func reportFromTransition(r transition.Report) opReport {
	return opReport{
		Operation:       r.Operation,
		StateID:         r.StateID,
		PackagesChanged: r.PackagesChanged,
		FilesPlaced:     r.FilesPlaced,
		FilesRemoved:    r.FilesRemoved,
		DurationSeconds: r.Duration.Seconds(),
	}
}

// printReport renders r according to cfg.Output: json for scripting,
// plain/tty for a human-readable summary line. tty and plain render
// identically, without ANSI color.
func printReport(cfg config.Config, r opReport) error {
	if cfg.Output == config.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Printf("%s: state %s\n", r.Operation, displayState(r.StateID))
	fmt.Printf("  packages changed: %d\n", r.PackagesChanged)
	fmt.Printf("  files placed:     %d\n", r.FilesPlaced)
	fmt.Printf("  files removed:    %d\n", r.FilesRemoved)
	fmt.Printf("  duration:         %.2fs\n", r.DurationSeconds)
	return nil
}

func displayState(id string) string {
	if id == "" {
		return "(none)"
	}
	return id
}
