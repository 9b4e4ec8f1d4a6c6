package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/shared/config"
)

const usage = `Ledgersync Admin CLI - Maintenance commands for the sync engine

Usage:
  admin <command> [options]

Commands:
  migrate              Apply pending database migrations
  duplicate-check      Report stored transactions that look like duplicates
  runs                 Show recent sync runs for a connection
  review               Show the open balance review for an account

Examples:
  admin migrate
  admin duplicate-check --account-id=acc_1
  admin duplicate-check --account-id=acc_1,acc_2 --days=30 --workers=8
  admin runs --connection-id=conn_1 --limit=5
  admin review --account-id=acc_1
`

const defaultWorkers = 4

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		runMigrate(os.Args[2:])
	case "duplicate-check":
		runDuplicateCheck(os.Args[2:])
	case "runs":
		runListRuns(os.Args[2:])
	case "review":
		runShowReview(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage)
		os.Exit(1)
	}
}

func connect() *postgres.DB {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolSettings{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("Connected to database")
	return db
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	db := connect()
	defer db.Close()

	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations applied")
}

func runDuplicateCheck(args []string) {
	fs := flag.NewFlagSet("duplicate-check", flag.ExitOnError)

	accountIDs := fs.String("account-id", "", "Account ID(s) to check (comma-separated for multiple)")
	days := fs.Int("days", 90, "How many days of history to scan")
	workers := fs.Int("workers", defaultWorkers, "Number of accounts checked concurrently")
	timeoutStr := fs.String("timeout", "30m", "Timeout for the operation (e.g., 5m, 1h)")

	fs.Usage = func() {
		fmt.Println("Usage: admin duplicate-check [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ids := splitIDs(*accountIDs)
	if len(ids) == 0 {
		fmt.Println("Error: must specify --account-id")
		fs.Usage()
		os.Exit(1)
	}
	if *days <= 0 || *workers <= 0 {
		log.Fatalf("--days and --workers must be positive")
	}

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		log.Fatalf("Invalid timeout format: %v", err)
	}

	db := connect()
	defer db.Close()
	repo := postgres.NewTransactionRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -*days)
	detector := transaction.NewDuplicateDetector()

	log.Printf("Starting duplicate check for %d account(s) with %d workers", len(ids), *workers)
	startTime := time.Now()

	var mu sync.Mutex
	results := make(map[string][]duplicatePair, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)
	for _, id := range ids {
		g.Go(func() error {
			txns, err := repo.ListInWindow(gctx, id, from, to)
			if err != nil {
				return fmt.Errorf("account %s: %w", id, err)
			}
			pairs := findDuplicates(detector, txns)
			mu.Lock()
			results[id] = pairs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Duplicate check failed: %v", err)
	}

	for _, id := range ids {
		printPairs(id, results[id])
	}
	log.Printf("Duplicate check completed in %v", time.Since(startTime))
}

func printPairs(accountID string, pairs []duplicatePair) {
	fmt.Printf("\n=== Account %s ===\n", accountID)
	fmt.Printf("  Suspect pairs: %d\n", len(pairs))
	for _, p := range pairs {
		fmt.Printf("  - [%s %.2f] %s %s %q  ~  %s %s %q\n",
			p.Classification, p.Score,
			p.Later.ID, p.Later.Amount, p.Later.Description,
			p.Earlier.ID, p.Earlier.Amount, p.Earlier.Description)
	}
}

func runListRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	connectionID := fs.String("connection-id", "", "Connection ID")
	limit := fs.Int("limit", 10, "Number of runs to show")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *connectionID == "" {
		fmt.Println("Error: must specify --connection-id")
		fs.PrintDefaults()
		os.Exit(1)
	}

	db := connect()
	defer db.Close()

	runs, err := postgres.NewSyncRunRepository(db).ListByConnection(context.Background(), *connectionID, *limit)
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) == 0 {
		log.Println("No runs found")
		return
	}

	for _, r := range runs {
		fmt.Printf("%s  %-8s %-9s started=%s processed=%d failed=%d imported=%d dupes=%d reviews=%d errors=%d\n",
			r.ID, r.Type, r.Status, r.StartedAt.Format(time.RFC3339),
			r.AccountsProcessed, r.AccountsFailed,
			r.TransactionsImported, r.DuplicatesSkipped, r.ReviewsOpened, len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf("    - %s: %s\n", e.Class, e.Message)
		}
	}
}

func runShowReview(args []string) {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	accountID := fs.String("account-id", "", "Account ID")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *accountID == "" {
		fmt.Println("Error: must specify --account-id")
		fs.PrintDefaults()
		os.Exit(1)
	}

	db := connect()
	defer db.Close()

	rv, err := postgres.NewReconcileRepository(db).GetOpenReview(context.Background(), *accountID)
	if err != nil {
		log.Fatalf("Failed to load review: %v", err)
	}
	if rv == nil {
		log.Println("No open review")
		return
	}

	fmt.Printf("Review %s (opened %s)\n", rv.ID, rv.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Stored balance:   %s\n", rv.Prior)
	fmt.Printf("  External balance: %s\n", rv.External)
	fmt.Printf("  Difference:       %s\n", rv.External.Sub(rv.Prior))
}

func splitIDs(s string) []string {
	var ids []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
