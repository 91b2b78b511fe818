package scandb

import (
	"fmt"
	"io/fs"
	"log"
	"os"
)

// RunMigrateCommand dispatches the migrate subcommand actions for the
// scan binary. It opens the database without schema initialization
// (the migrations manage the schema) and exits the process on failure.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}
	action := args[0]

	migrations, err := getMigrationsFS()
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	database, err := Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(migrations); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("✓ All migrations applied")
		printVersion(database, migrations)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := database.MigrateDown(migrations); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("✓ Migration rolled back")
		printVersion(database, migrations)

	case "status", "version":
		handleMigrateStatus(database, migrations)

	case "goto":
		if len(args) < 2 {
			log.Fatal("Usage: scan -migrate \"goto <version>\"")
		}
		handleMigrateGoto(database, migrations, args[1])

	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: scan -migrate \"force <version>\"")
		}
		handleMigrateForce(database, migrations, args[1])

	case "baseline":
		if len(args) < 2 {
			log.Fatal("Usage: scan -migrate \"baseline <version>\"")
		}
		handleMigrateBaseline(database, args[1])

	case "help":
		PrintMigrateHelp()

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func printVersion(database *DB, migrations fs.FS) {
	version, dirty, _ := database.MigrateVersion(migrations)
	log.Printf("Current version: %d (dirty: %v)", version, dirty)
}

func handleMigrateStatus(database *DB, migrations fs.FS) {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		log.Fatalf("Failed to get migration status: %v", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		log.Fatalf("Failed to get latest migration version: %v", err)
	}

	fmt.Println("=== Migration Status ===")
	fmt.Printf("Current version: %d\n", version)
	fmt.Printf("Latest available: %d\n", latest)
	fmt.Printf("Dirty: %v\n", dirty)

	switch {
	case dirty:
		fmt.Println("\n⚠️  Database is in a dirty state: a migration failed mid-run.")
		fmt.Println("Inspect the database, fix any issues, then run: scan -migrate \"force <version>\"")
	case version < latest:
		fmt.Printf("\n⚠️  Database is %d version(s) behind. Run: scan -migrate up\n", latest-version)
	default:
		fmt.Println("\n✓ Database is up to date")
	}
}

func handleMigrateGoto(database *DB, migrations fs.FS, versionStr string) {
	var target uint
	if _, err := fmt.Sscanf(versionStr, "%d", &target); err != nil {
		log.Fatalf("Invalid version number: %s", versionStr)
	}
	log.Printf("Migrating to version %d...", target)
	if err := database.MigrateTo(migrations, target); err != nil {
		log.Fatalf("Migration to version %d failed: %v", target, err)
	}
	log.Printf("✓ Migrated to version %d", target)
}

func handleMigrateForce(database *DB, migrations fs.FS, versionStr string) {
	var version int
	if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
		log.Fatalf("Invalid version number: %s", versionStr)
	}

	fmt.Printf("⚠️  WARNING: forcing migration version to %d\n", version)
	fmt.Println("This should only be used to recover from a dirty migration state.")
	fmt.Print("Continue? [y/N]: ")

	var response string
	fmt.Scanln(&response)
	if response != "y" && response != "Y" {
		log.Println("Aborted")
		os.Exit(0)
	}

	if err := database.MigrateForce(migrations, version); err != nil {
		log.Fatalf("Force migration failed: %v", err)
	}
	log.Printf("✓ Migration version forced to %d", version)
}

func handleMigrateBaseline(database *DB, versionStr string) {
	var version uint
	if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
		log.Fatalf("Invalid version number: %s", versionStr)
	}
	log.Printf("Baselining database at version %d...", version)
	if err := database.BaselineAtVersion(version); err != nil {
		log.Fatalf("Baseline failed: %v", err)
	}
	log.Printf("✓ Database baselined at version %d", version)
}

// PrintMigrateHelp displays the help for the -migrate flag.
func PrintMigrateHelp() {
	fmt.Println("Database Migration Commands")
	fmt.Println()
	fmt.Println("Usage: scan -db <path> -migrate \"<command> [args]\"")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up              Apply all pending migrations")
	fmt.Println("  down            Rollback one migration")
	fmt.Println("  status          Show current and latest schema versions")
	fmt.Println("  goto <N>        Migrate up or down to version N")
	fmt.Println("  force <N>       Force migration version to N (recovery only)")
	fmt.Println("  baseline <N>    Set version N without running migrations")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  scan -migrate up")
	fmt.Println("  scan -migrate status")
	fmt.Println("  scan -migrate \"goto 1\"")
	fmt.Println("  scan -migrate \"baseline 1\"   # adopt a pre-migration database")
}
