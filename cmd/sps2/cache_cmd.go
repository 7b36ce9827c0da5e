package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/objfmt"
)

var cacheFormatDetectCmd = &cobra.Command{
	Use:   "cache-format-detect <archive>",
	Short: "Check whether a file is a well-formed .sp archive and report its manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheFormatDetect,
}

type formatReport struct {
	Path        string          `json:"path"`
	ValidMagic  bool            `json:"valid_magic"`
	Unpackable  bool            `json:"unpackable"`
	PayloadKind string          `json:"payload_kind,omitempty"` // "files" or "named"
	Manifest    objfmt.Manifest `json:"manifest"`
}

func runCacheFormatDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := args[0]

	report := formatReport{Path: path}

	head, err := os.Open(path)
	if err != nil {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "cli.cache_format_detect", err).WithPath(path)
	}
	defer head.Close()

	var magicBuf [4]byte
	if _, err := io.ReadFull(head, magicBuf[:]); err == nil {
		report.ValidMagic = magicBuf == objfmt.Magic
	}
	if !report.ValidMagic {
		return renderFormatReport(cfg, report)
	}

	f, err := os.Open(path)
	if err != nil {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "cli.cache_format_detect", err).WithPath(path)
	}
	defer f.Close()

	var manifestData []byte
	sawFiles, sawNamed := false, false
	err = objfmt.Unpack(f, objfmt.DefaultExtractLimits(), func(hdr *tar.Header, r io.Reader) error {
		switch {
		case hdr.Name == "manifest.toml":
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			manifestData = data
		case len(hdr.Name) >= 6 && hdr.Name[:6] == "files/":
			sawFiles = true
		default:
			sawNamed = true
		}
		return nil
	})
	report.Unpackable = err == nil

	if manifestData != nil {
		if m, err := objfmt.DecodeManifest(manifestData); err == nil {
			report.Manifest = m
		}
	}
	switch {
	case sawFiles:
		report.PayloadKind = "files"
	case sawNamed:
		report.PayloadKind = "named"
	}

	return renderFormatReport(cfg, report)
}

func renderFormatReport(cfg config.Config, r formatReport) error {
	if cfg.Output == config.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Printf("%s\n", r.Path)
	fmt.Printf("  valid magic prefix: %v\n", r.ValidMagic)
	fmt.Printf("  unpackable:         %v\n", r.Unpackable)
	if r.PayloadKind != "" {
		fmt.Printf("  payload layout:     %s\n", r.PayloadKind)
	}
	if r.Manifest.Name != "" {
		fmt.Printf("  package:            %s\n", packageNameVersion(r.Manifest.Name, r.Manifest.Version))
	}
	if !r.ValidMagic {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "cli.cache_format_detect",
			fmt.Errorf("not a .sp archive: bad magic prefix"))
	}
	return nil
}
