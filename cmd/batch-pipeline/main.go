// Command batch-pipeline runs the pipeline binary once per collection in
// a list, logging each run to <collections_root>/<id>/<id>.log. Results
// are moved to S3 only through a collection.S3Mover; this command sets
// none, so collection directories stay where they are. Grounded on
// batch_ripple_pipeline.py's subprocess-per-collection loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/config"
)

type batchOptions struct {
	collectionList string
	pipelineBinary string
	configPath     string
	envPath        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := batchOptions{}

	cmd := &cobra.Command{
		Use:           "batch-pipeline --collection-list LIST",
		Short:         "Run the pipeline binary once per collection in a list",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVarP(&opts.collectionList, "collection-list", "l", "",
		"A .lst/.txt/.csv file with one collection id per line, or a quoted space-separated list of collection ids.")
	_ = cmd.MarkFlagRequired("collection-list")
	f.StringVar(&opts.pipelineBinary, "pipeline-binary", "pipeline", "Path to the pipeline binary to invoke per collection.")
	f.StringVar(&opts.configPath, "config", "config.yaml", "Path to the pipeline YAML configuration.")
	f.StringVar(&opts.envPath, "env", ".env", "Path to the dotenv file holding service endpoints and credentials.")

	return cmd
}

func runBatch(ctx context.Context, opts batchOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	collections, err := readCollectionList(opts.collectionList)
	if err != nil {
		return err
	}

	var mover collection.S3Mover
	for _, collectionID := range collections {
		log.Printf("starting processing for collection: %s", collectionID)
		runOneCollection(ctx, cfg, opts, collectionID, mover)
	}
	return nil
}

func runOneCollection(ctx context.Context, cfg *config.Config, opts batchOptions, collectionID string, mover collection.S3Mover) {
	localDir := filepath.Join(cfg.Paths.CollectionsRootDir, collectionID)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		log.Printf("collection %s: creating log directory: %v", collectionID, err)
		return
	}
	logPath := filepath.Join(localDir, collectionID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("collection %s: opening log file: %v", collectionID, err)
		return
	}
	defer func() { _ = logFile.Close() }()

	fmt.Fprintf(logFile, "--- starting processing for collection: %s ---\n", collectionID)

	cmd := exec.CommandContext(ctx, opts.pipelineBinary,
		"--collection", collectionID,
		"--config", opts.configPath,
		"--env", opts.envPath,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Printf("collection %s: %v", collectionID, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Printf("collection %s: %v", collectionID, err)
		return
	}

	if err := cmd.Start(); err != nil {
		log.Printf("collection %s: starting pipeline subprocess: %v", collectionID, err)
		if mover != nil {
			_ = mover.Move(ctx, localDir, collectionID, false)
		}
		return
	}

	done := make(chan struct{}, 2)
	go tailTo(stdout, logFile, done)
	go tailTo(stderr, logFile, done)
	<-done
	<-done

	success := cmd.Wait() == nil
	if success {
		log.Printf("collection %s processed successfully", collectionID)
	} else {
		log.Printf("collection %s failed; see %s for details", collectionID, logPath)
	}
	if mover != nil {
		_ = mover.Move(ctx, localDir, collectionID, success)
	}
}

func tailTo(r io.Reader, logFile *os.File, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Println(line)
		fmt.Fprintf(logFile, "%s %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), line)
	}
}

// readCollectionList mirrors batch_ripple_pipeline.py's read_input: a
// .lst/.txt/.csv file with one collection id per line, or a
// space-separated string.
func readCollectionList(collectionList string) ([]string, error) {
	info, err := os.Stat(collectionList)
	if err == nil && !info.IsDir() {
		ext := strings.ToLower(filepath.Ext(collectionList))
		if ext != ".lst" && ext != ".txt" && ext != ".csv" {
			return nil, fmt.Errorf("collection list file must be .lst, .txt, or .csv, got %s", ext)
		}
		data, err := os.ReadFile(collectionList)
		if err != nil {
			return nil, fmt.Errorf("reading collection list %s: %w", collectionList, err)
		}
		var collections []string
		for _, line := range strings.Split(string(data), "\n") {
			trimmed := strings.Trim(strings.TrimSpace(line), `"'`)
			if trimmed != "" {
				collections = append(collections, trimmed)
			}
		}
		return collections, nil
	}
	return strings.Fields(collectionList), nil
}
