package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/statedb"
)

var listStatesCmd = &cobra.Command{
	Use:   "list-states",
	Short: "List recorded states, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runListStates,
}

var listPackagesCmd = &cobra.Command{
	Use:   "list-packages",
	Short: "List packages installed in the active state",
	Args:  cobra.NoArgs,
	RunE:  runListPackages,
}

func runListStates(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	states, err := a.db.States()
	if err != nil {
		return err
	}
	activeID, err := a.db.ActiveState()
	if err != nil {
		return err
	}

	return renderStates(a.cfg, states, activeID)
}

func renderStates(cfg config.Config, states []statedb.State, activeID string) error {
	if cfg.Output == config.OutputJSON {
		type row struct {
			statedb.State
			Active bool `json:"active"`
		}
		rows := make([]row, len(states))
		for i, s := range states {
			rows[i] = row{State: s, Active: s.ID == activeID}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	for _, s := range states {
		marker := "  "
		if s.ID == activeID {
			marker = "* "
		}
		status := "ok"
		if !s.Success {
			status = "incomplete"
		}
		fmt.Printf("%s%s  %-10s %-10s parent=%s\n", marker, s.ID, s.Operation, status, displayState(s.Parent))
	}
	return nil
}

func runListPackages(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	activeID, err := a.db.ActiveState()
	if err != nil {
		return err
	}
	if activeID == "" {
		return renderPackages(a.cfg, nil)
	}

	var pkgs []statedb.PackageRef
	if err := a.db.View(func(t *statedb.Tx) error {
		var err error
		pkgs, err = t.GetStatePackages(activeID)
		return err
	}); err != nil {
		return err
	}

	return renderPackages(a.cfg, pkgs)
}

func renderPackages(cfg config.Config, pkgs []statedb.PackageRef) error {
	if cfg.Output == config.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pkgs)
	}

	for _, p := range pkgs {
		fmt.Println(packageNameVersion(p.Name, p.Version))
	}
	return nil
}
