// Package main prints a summary report of a scan cache database and
// optionally renders the score report plots from it.
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/aphelion-data/transient.watch/internal/scan/monitor"
	"github.com/aphelion-data/transient.watch/internal/scandb"
)

var (
	dbFile   = flag.String("db", "scan.db", "Path to the SQLite scan cache")
	plotsDir = flag.String("plots", "", "Write score report plots into this directory")
	limit    = flag.Int("limit", 0, "Limit how many records feed the score tallies (0: all)")
)

func main() {
	flag.Parse()

	// Open without schema management; reporting should not migrate
	database, err := scandb.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	store := scandb.NewStore(database)
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		log.Fatalf("Failed to read cache stats: %v", err)
	}

	sums, err := store.ListSummaries(scandb.ListQuery{Limit: *limit})
	if err != nil {
		log.Fatalf("Failed to list records: %v", err)
	}

	plotter := monitor.NewScorePlotter()
	if *plotsDir != "" {
		if err := plotter.Start(*plotsDir); err != nil {
			log.Fatalf("Failed to prepare plot directory: %v", err)
		}
	}

	var buckets [10]int
	scored := 0
	for _, sum := range sums {
		rec, err := store.GetRecord(sum.Stem)
		if err != nil || rec == nil {
			continue
		}
		plotter.Sample(rec.Stem, rec.Candidates)
		for _, cand := range rec.Candidates {
			if cand.AIScore == nil {
				continue
			}
			b := int(*cand.AIScore * 10)
			if b > 9 {
				b = 9
			}
			if b < 0 {
				b = 0
			}
			buckets[b]++
			scored++
		}
	}

	printReport(*dbFile, stats, buckets, scored)

	if *plotsDir != "" {
		plotter.Stop()
		count, err := plotter.GeneratePlots()
		if err != nil {
			log.Fatalf("Failed to generate plots: %v", err)
		}
		fmt.Printf("\nWrote %d plots to %s\n", count, *plotsDir)
	}
}

func printReport(path string, stats *scandb.CacheStats, buckets [10]int, scored int) {
	fmt.Println("=== Scan Cache Report ===")
	fmt.Printf("Database: %s\n", path)
	fmt.Printf("Images: %d\n", stats.Images)

	fmt.Println("\n--- Review Status ---")
	if len(stats.ByStatus) == 0 {
		fmt.Println("(empty cache)")
	}
	for _, status := range sortedKeys(stats.ByStatus) {
		fmt.Printf("%s: %d\n", status, stats.ByStatus[status])
	}

	fmt.Println("\n--- Candidates ---")
	fmt.Printf("Total: %d (manual: %d)\n", stats.Candidates, stats.Manual)
	fmt.Printf("Images with AI scores: %d\n", stats.WithAI)

	fmt.Println("\n--- Verdicts ---")
	if len(stats.Verdicts) == 0 {
		fmt.Println("(none)")
	}
	for _, verdict := range sortedKeys(stats.Verdicts) {
		fmt.Printf("%s: %d\n", verdict, stats.Verdicts[verdict])
	}

	fmt.Println("\n--- AI Score Distribution ---")
	if scored == 0 {
		fmt.Println("(no scored candidates)")
		return
	}
	maxBucket := 0
	for _, n := range buckets {
		if n > maxBucket {
			maxBucket = n
		}
	}
	for i, n := range buckets {
		barLen := 0
		if maxBucket > 0 {
			barLen = n * 40 / maxBucket
		}
		fmt.Printf("%.1f-%.1f %-40s %d\n", float64(i)/10, float64(i+1)/10, strings.Repeat("#", barLen), n)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
