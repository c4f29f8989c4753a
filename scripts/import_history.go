package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"jobtrack/internal/database"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		importPath = flag.String("file", "", "path to a JSON history export")
		dbPath     = flag.String("db", "./data/interactions.db", "path to sqlite db")
	)
	flag.Parse()

	if *importPath == "" {
		return fmt.Errorf("-file is required")
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	imported, skipped, err := db.ImportJSON(ctx, *importPath)
	if err != nil {
		return fmt.Errorf("import history: %w", err)
	}

	fmt.Printf("Done: %d imported, %d duplicates skipped\n", imported, skipped)
	return nil
}
