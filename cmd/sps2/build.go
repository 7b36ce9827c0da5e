package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/recipe"
)

// buildCmd implements spec §6's "build" consumer operation the way this
// module can actually support it: recipe execution (running configure/
// make, invoking a compiler, sandboxing) is a separate builder producer's
// job (see pkg/recipe's doc comment), so this command only parses and
// validates a recipe file's header, then reports what operation label a
// producer handing this core a transition request would use — the same
// role the teacher's apply command played for a YAML resource file, kept
// here as "read file, validate shape, report what would happen" rather
// than a live apply against a remote manager.
var buildCmd = &cobra.Command{
	Use:   "build <recipe.yaml>",
	Short: "Validate a build recipe's header and report the operation a builder would run",
	Long: `build parses a recipe file's name/version/source header and validates it.

It does not execute build steps: compiling from source is the job of an
external builder producer, which hands its result to this core via
add_package and a transition request. This command exists so a recipe
can be checked before being handed to that producer.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "build.read_recipe", err).WithPath(args[0])
	}
	header, err := recipe.Parse(data)
	if err != nil {
		return err
	}

	return printReport(cfg, opReport{Operation: header.Operation()})
}
