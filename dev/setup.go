package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	devenv "crawlcompose/dev/env"
	"crawlcompose/lib/sink"
)

const (
	itemsDB     = "<dev_state>/items.db"
	localConfig = "crawlctl.local.json5"
)

// CreateItemsDB creates the sqlite database crawls write to during
// development.
func CreateItemsDB(ctx context.Context) error {
	path, err := devenv.ResolvePath(itemsDB)
	if err != nil {
		return err
	}
	_, err = os.Stat(path)
	if err == nil {
		fmt.Println("database already created at", path)
		return nil
	}

	fmt.Println("creating database at", path)
	store, err := sink.Open(ctx, sink.Config{Driver: "sqlite", File: itemsDB})
	if err != nil {
		return err
	}
	return store.Close()
}

// CreateLocalConfig points crawlctl at the dev database unless a local
// config already exists.
func CreateLocalConfig() error {
	_, err := os.Stat(localConfig)
	if err == nil {
		fmt.Println("local config already exists at", localConfig)
		return nil
	}
	content := fmt.Sprintf(`{
	sink: {
		driver: "sqlite",
		file: %q,
	},
}
`, itemsDB)
	return os.WriteFile(localConfig, []byte(content), 0644)
}

func PrintConfigLocations() {
	slog.Info("crawlctl reads crawlctl.json5 merged with crawlctl.local.json5, telemetry is configured by telemetry.json5 in any parent directory.")
}
