//go:build ignore

package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// Checks that a database file carries every table the execution core
// migrates, and prints the row count of each.
//
//	go run scripts/verify_schema.go ./data/execution.db
func main() {
	dbPath := "./data/execution.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range []string{"positions", "fills", "order_attempts", "reconciliation_reports"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			fmt.Printf("MISSING %s\n", table)
			missing++
			continue
		}
		var rows int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&rows); err != nil {
			log.Fatalf("count %s: %v", table, err)
		}
		fmt.Printf("ok      %s (%d rows)\n", table, rows)
	}
	if missing > 0 {
		os.Exit(1)
	}
}
