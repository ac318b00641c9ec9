package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"yad2_bot/migrations"
)

func main() {
	driver := flag.String("driver", envOrDefault("DATABASE_DRIVER", "sqlite"), "database driver: sqlite or postgres")
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/bot.db"), "path to sqlite database")
	dbURL := flag.String("url", os.Getenv("DATABASE_URL"), "postgres connection url")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	dialect := migrations.Dialect(*driver)
	dsn := *dbPath
	if dialect == migrations.Postgres {
		dsn = *dbURL
	}

	name := args[0]
	cmd, ok := commandByName(name)
	if !ok {
		log.Fatalf("unknown command: %s", name)
	}

	dir, err := migrations.Setup(dialect)
	if err != nil {
		log.Fatalf("setup migrations: %v", err)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := cmd.run(db, dir); err != nil {
		log.Fatalf("%s on %s: %v", name, dialect, err)
	}
}

type command struct {
	name string
	help string
	run  func(db *sql.DB, dir string, opts ...goose.OptionsFunc) error
}

var commands = []command{
	{"up", "Migrate to the latest version", goose.Up},
	{"up-one", "Migrate one version up", goose.UpByOne},
	{"down", "Roll back one version", goose.Down},
	{"status", "Show migration status", goose.Status},
	{"version", "Show current version", goose.Version},
	{"reset", "Roll back all migrations", goose.Reset},
}

func commandByName(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-driver sqlite|postgres] [-db path] [-url dsn] <command>")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s  %s\n", c.name, c.help)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
