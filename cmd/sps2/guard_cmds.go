package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/guard"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the active slot against the database and report discrepancies",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Verify the active slot and repair or quarantine what policy allows",
	Args:  cobra.NoArgs,
	RunE:  runHeal,
}

func init() {
	for _, c := range []*cobra.Command{verifyCmd, healCmd} {
		c.Flags().String("package", "", "Narrow the check to one package's files (default: the full active state)")
		c.Flags().String("level", "hash", "Verification level: presence, hash, metadata")
	}
}

func parseLevel(cmd *cobra.Command) (guard.Level, error) {
	v, _ := cmd.Flags().GetString("level")
	switch v {
	case "presence":
		return guard.LevelPresence, nil
	case "hash", "":
		return guard.LevelHash, nil
	case "metadata":
		return guard.LevelMetadata, nil
	default:
		return 0, errs.New(errs.CodeInput, errs.SeverityMedium, "cli.verify",
			fmt.Errorf("unknown verification level %q", v)).WithHint("use presence, hash, or metadata")
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	level, err := parseLevel(cmd)
	if err != nil {
		return err
	}
	pkgName, _ := cmd.Flags().GetString("package")

	discrepancies, err := a.guard.Verify(context.Background(), guard.Scope{Package: pkgName}, level)
	if err != nil {
		return err
	}
	if err := renderDiscrepancies(a.cfg, discrepancies); err != nil {
		return err
	}
	if len(discrepancies) > 0 {
		return errs.New(errs.CodeInvariant, errs.SeverityHigh, "cli.verify",
			fmt.Errorf("%d discrepancies found", len(discrepancies)))
	}
	return nil
}

func runHeal(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	level, err := parseLevel(cmd)
	if err != nil {
		return err
	}
	pkgName, _ := cmd.Flags().GetString("package")

	discrepancies, err := a.guard.Verify(context.Background(), guard.Scope{Package: pkgName}, level)
	if err != nil {
		return err
	}
	report, err := a.guard.Heal(context.Background(), discrepancies)
	if err != nil {
		return err
	}
	return renderHealReport(a.cfg, report)
}

func renderDiscrepancies(cfg config.Config, discrepancies []guard.Discrepancy) error {
	if cfg.Output == config.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(discrepancies)
	}
	if len(discrepancies) == 0 {
		fmt.Println("no discrepancies found")
		return nil
	}
	for _, d := range discrepancies {
		if d.Kind == "orphaned" {
			fmt.Printf("%-20s %-10s orphan=%-18s %s\n", d.Path, d.Kind, d.Orphan, d.Detail)
		} else {
			fmt.Printf("%-20s %-10s %s\n", d.Path, d.Kind, d.Detail)
		}
	}
	return nil
}

func renderHealReport(cfg config.Config, report guard.HealReport) error {
	if cfg.Output == config.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Printf("healed: %d, quarantined: %d, preserved: %d, ignored: %d\n",
		report.Healed, report.Quarantined, report.Preserved, report.Ignored)
	return nil
}
