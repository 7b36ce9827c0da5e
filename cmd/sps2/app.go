package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/events"
	"github.com/sps2/sps2/pkg/guard"
	"github.com/sps2/sps2/pkg/slots"
	"github.com/sps2/sps2/pkg/statedb"
	"github.com/sps2/sps2/pkg/store"
	"github.com/sps2/sps2/pkg/transition"
)

// app bundles every long-lived handle a command needs, opened once per
// invocation and closed before the command returns. Every subcommand's
// RunE starts with openApp(cmd) and ends with a deferred app.Close().
type app struct {
	cfg      config.Config
	paths    config.Paths
	db       *statedb.DB
	slotMgr  *slots.Manager
	objStore *store.Store
	engine   *transition.Engine
	guard    *guard.Guard
	bus      *events.Bus
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	paths := cfg.Paths()

	if err := os.MkdirAll(paths.StoreObjectsDir(), 0o755); err != nil {
		return nil, errs.New(errs.CodeStore, errs.SeverityCritical, "app.open", err).WithPath(paths.StoreObjectsDir())
	}
	if err := os.MkdirAll(paths.LogsDir(), 0o755); err != nil {
		return nil, errs.New(errs.CodeStore, errs.SeverityCritical, "app.open", err).WithPath(paths.LogsDir())
	}

	objStore, err := store.Open(paths)
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(paths.DB())
	if err != nil {
		return nil, err
	}

	slotMgr := slots.New(paths.Prefix)
	if err := slotMgr.Open(); err != nil {
		db.Close()
		return nil, err
	}

	bus := events.NewBus(cmd.CommandPath())

	engine, err := transition.Open(paths, db, slotMgr, objStore, bus)
	if err != nil {
		db.Close()
		return nil, err
	}

	g := guard.New(db, objStore, slotMgr, paths, bus)

	return &app{
		cfg: cfg, paths: paths, db: db, slotMgr: slotMgr,
		objStore: objStore, engine: engine, guard: g, bus: bus,
	}, nil
}

func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
