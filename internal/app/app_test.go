package app

import (
	"testing"

	"recur/internal/config"
	"recur/internal/storage"
	logx "recur/pkg/logx"
)

type stubStore struct{ storage.Store }

func TestHousekeepingRetention(t *testing.T) {
	a := &App{log: logx.Nop(), store: stubStore{}}
	t.Cleanup(func() { a.startHousekeeping(config.HousekeepingConfig{RetainRuns: "0s"}) })

	a.startHousekeeping(config.HousekeepingConfig{})
	if a.cron == nil {
		t.Fatal("absent retain_runs must fall back to the default and schedule pruning")
	}

	a.startHousekeeping(config.HousekeepingConfig{RetainRuns: "36h"})
	if a.cron == nil {
		t.Fatal("explicit retention must schedule pruning")
	}

	a.startHousekeeping(config.HousekeepingConfig{RetainRuns: "0s"})
	if a.cron != nil {
		t.Fatal("retain_runs \"0s\" must disable pruning")
	}
}

func TestHousekeepingNoStore(t *testing.T) {
	a := &App{log: logx.Nop()}
	a.startHousekeeping(config.HousekeepingConfig{})
	if a.cron != nil {
		t.Fatal("pruning must not be scheduled without a store")
	}
}
