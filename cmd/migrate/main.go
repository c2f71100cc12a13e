package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"socoto.app/internal/migrate"
	"socoto.app/internal/obs"
)

func main() {
	log := obs.Logger()
	var (
		dsn   = flag.String("dsn", os.Getenv("SOCOTO_DATABASE_DSN"), "PostgreSQL DSN")
		table = flag.String("table", "", "migrations bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or SOCOTO_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|version]")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	var opts []migrate.Option
	if *table != "" {
		opts = append(opts, migrate.WithMigrationsTable(*table))
	}
	mgr := migrate.NewManager(db, opts...)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up()
	case "down":
		err = mgr.Down()
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = mgr.Version()
		if err == nil {
			fmt.Printf("version=%d dirty=%v\n", v, dirty)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
	log.WithField("command", flag.Arg(0)).Info("migrate done")
}
