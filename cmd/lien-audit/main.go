package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"lienchain/audit"
	"lienchain/config"
	"lienchain/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "Path to node configuration file")
	outDir := flag.String("out", "./audit-reports", "Directory the report files are written to")
	all := flag.Bool("all", false, "Export the full loan book instead of terminated loans only")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	store := storage.NewStore(db)

	export := audit.ExportTerminated
	if *all {
		export = audit.ExportAll
	}
	result, err := export(store, *outDir, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to export loan book: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("exported %d loans\n", result.Count)
	fmt.Println(result.CSVPath)
	fmt.Println(result.ParquetPath)
}
