package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/mahaj/callrelay/pkg/config"
	"github.com/mahaj/callrelay/pkg/db"
	"github.com/mama165/sdk-go/logs"
)

var tables = []string{
	"messages",
	"messages_by_user",
	"users",
	"users_by_email",
	"users_by_username",
	"user_conversations",
}

// drop_table removes the Scylla tables so the next start recreates them.
func main() {
	confirm := flag.Bool("yes", false, "actually drop the tables")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	if !*confirm {
		log.Info("Dry run, pass -yes to drop", "keyspace", cfg.ScyllaKeyspace, "tables", tables)
		return
	}

	session, err := db.NewSession(cfg.ScyllaHostList(), cfg.ScyllaKeyspace, log)
	if err != nil {
		log.Error("Failed to connect to ScyllaDB", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	for _, table := range tables {
		log.Info("Dropping table", "table", table)
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			log.Error("Failed to drop table", "table", table, "error", err)
			os.Exit(1)
		}
	}
	log.Info("Tables dropped")
}
