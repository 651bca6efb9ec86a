// Command migrate applies or inspects the session engine's relational
// store migrations ahead of the worker starting, reusing the same
// golang-migrate runner internal/db.OpenDB invokes automatically at
// startup — useful for running migrations as a separate step (e.g. a
// pre-deploy job) rather than racing multiple worker replicas over it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/relaywire/sessionengine/internal/db"
)

func main() {
	dbType := flag.String("db-type", "sqlite", "Database type: sqlite or postgres")
	dsn := flag.String("dsn", "sessionengine.db", "Database connection string (file path for sqlite, DSN for postgres)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [up|down|status] -db-type sqlite|postgres -dsn <dsn>")
		os.Exit(1)
	}

	m, err := db.NewMigrator(*dbType, *dsn)
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	switch flag.Arg(0) {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("migration failed: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("rollback failed: %v", err)
		}
		fmt.Println("last migration rolled back")
	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return
		}
		if err != nil {
			log.Fatalf("failed to read migration version: %v", err)
		}
		fmt.Printf("version %d, dirty=%v\n", version, dirty)
	default:
		fmt.Printf("unknown command: %s\n", flag.Arg(0))
		fmt.Println("Usage: migrate [up|down|status] -db-type sqlite|postgres -dsn <dsn>")
		os.Exit(1)
	}
}
