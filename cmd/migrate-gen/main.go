// Command migrate-gen generates SQL migration files for event streams and subscriptions.
//
// Usage:
//
//	go run github.com/getpup/pupstream/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupstream/cmd/migrate-gen -output migrations
//
// Generate migrations for different dialects:
//
//	go run github.com/getpup/pupstream/cmd/migrate-gen -dialect postgres -schema tenant_a -output migrations
//	go run github.com/getpup/pupstream/cmd/migrate-gen -dialect mysql -output migrations
//	go run github.com/getpup/pupstream/cmd/migrate-gen -dialect sqlite -output migrations
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/getpup/pupstream/es/migrations"
)

func main() {
	var (
		dialectName        = flag.String("dialect", "postgres", "SQL dialect: postgres, mysql, or sqlite")
		outputFolder       = flag.String("output", "migrations", "Output folder for migration file")
		outputFilename     = flag.String("filename", "", "Output filename (default: timestamp-based)")
		schema             = flag.String("schema", "", "Schema qualifying every table (postgres only)")
		streamsTable       = flag.String("streams-table", "streams", "Name of streams table")
		eventsTable        = flag.String("events-table", "events", "Name of events table")
		subscriptionsTable = flag.String("subscriptions-table", "subscriptions", "Name of subscriptions table")
		headsTable         = flag.String("heads-table", "store_heads", "Name of global sequence table")
	)

	flag.Parse()

	dialect, err := migrations.ParseDialect(*dialectName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v. Supported dialects are: postgres, mysql, sqlite\n", err)
		os.Exit(1)
	}
	if *schema != "" && dialect != migrations.Postgres {
		fmt.Fprintln(os.Stderr, "Error: -schema is only supported for postgres")
		os.Exit(1)
	}

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.Schema = *schema
	config.StreamsTable = *streamsTable
	config.EventsTable = *eventsTable
	config.SubscriptionsTable = *subscriptionsTable
	config.HeadsTable = *headsTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	if err := migrations.Generate(dialect, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s\n", dialect, config.OutputFolder, config.OutputFilename)
}
