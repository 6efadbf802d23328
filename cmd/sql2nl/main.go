// Command sql2nl evaluates the SQL-to-question generation checkpoints.
//
// Usage:
//
//	sql2nl -list                                        # List supported architectures
//	sql2nl -fetch <repo_id>                             # Download checkpoints
//	sql2nl -ready                                       # Load everything, report readiness
//	sql2nl -db concert_singer -sql "SELECT count(*) FROM singer"
//	sql2nl -db concert_singer -sql "..." -model BiLSTM -gold "How many singers are there?"
//
// Results are printed to stdout as a JSON list, one entry per evaluated
// architecture. Diagnostics go to stderr.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"go.uber.org/zap"

	"github.com/KaLuLas/SQL2NL-demo"

	// Link in the default backend and every generation architecture.
	_ "github.com/gomlx/gomlx/backends/default"

	_ "github.com/KaLuLas/SQL2NL-demo/architectures/bilstm"
	_ "github.com/KaLuLas/SQL2NL-demo/architectures/reltransformer"
	_ "github.com/KaLuLas/SQL2NL-demo/architectures/transformer"
	_ "github.com/KaLuLas/SQL2NL-demo/architectures/treelstm"
)

func main() {
	checkpointDir := flag.String("checkpoints", "output/checkpoints", "Checkpoint directory root")
	trainFiles := flag.String("train", "data/spider/train_spider.json,data/spider/train_others.json", "Comma-separated training corpus files")
	tablesFile := flag.String("tables", "data/spider/tables.json", "Schema tables file")
	inputDir := flag.String("inputs", "output/instance", "Directory for per-request input records")

	model := flag.String("model", "", "Architecture tag to evaluate; all of them when empty")
	dbID := flag.String("db", "", "Database id of the source query")
	sourceSQL := flag.String("sql", "", "SQL query to describe")
	gold := flag.String("gold", "", "Gold question to score against")
	requestID := flag.String("id", "cli", "Request identifier")

	listArchs := flag.Bool("list", false, "List supported architectures")
	readyOnly := flag.Bool("ready", false, "Load checkpoints and datasets, report readiness")
	fetchRepo := flag.String("fetch", "", "Hugging Face repository to download checkpoints from")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *listArchs {
		fmt.Println("Supported architectures:")
		for _, tag := range sql2nl.SupportedArchitectures() {
			fmt.Printf("  - %s\n", tag)
		}
		return
	}

	log := zap.NewNop()
	if *verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer log.Sync()

	if *fetchRepo != "" {
		if err := sql2nl.FetchCheckpoints(*fetchRepo, *checkpointDir, log); err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching checkpoints: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Checkpoints downloaded to %s\n", *checkpointDir)
		return
	}

	registry := sql2nl.NewRegistry(sql2nl.RegistryConfig{
		CheckpointDir: *checkpointDir,
		TrainFiles:    strings.Split(*trainFiles, ","),
		TablesFile:    *tablesFile,
	}, log)
	if err := registry.LoadAll(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading registry: %v\n", err)
		os.Exit(1)
	}

	if *readyOnly {
		fmt.Printf("ready: %v\n", registry.Ready())
		fmt.Printf("models: %s\n", strings.Join(registry.Loaded(), ", "))
		return
	}

	if *sourceSQL == "" || *dbID == "" {
		fmt.Fprintln(os.Stderr, "Error: -db and -sql are required")
		flag.Usage()
		os.Exit(1)
	}

	backend := backends.MustNew()
	service := sql2nl.NewService(registry, registry.Datasets(),
		&sql2nl.FileMaterializer{Dir: *inputDir}, backend, log)

	targets := sql2nl.SupportedArchitectures()
	if *model != "" {
		targets = []string{*model}
	}

	results := make([]sql2nl.EvaluationResult, 0, len(targets))
	for _, tag := range targets {
		results = append(results, service.Predict(tag, *dbID, *gold, *sourceSQL, *requestID))
	}

	content, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding results: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(content))

	for _, res := range results {
		if !res.Success {
			os.Exit(1)
		}
	}
}
