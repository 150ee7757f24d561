package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"fitcoach/config"
	"fitcoach/database"
	apperrors "fitcoach/errors"
	"fitcoach/ingest"
	"fitcoach/llmclient"
	"fitcoach/retrieval"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	// Initialize logger with default level to load config
	tempLogger, err := config.InitLogger("info")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Load(tempLogger)

	// Re-initialize logger with configured level
	logger, err := config.InitLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to re-initialize logger with configured level: %v\n", err)
		os.Exit(1)
	}
	defer config.Cleanup()

	store, err := database.NewPostgresStore(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure database schema", zap.Error(err))
	}

	llm := llmclient.New(cfg, logger)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 && os.Args[1] == "ingest" {
		runIngest(ctx, cfg, store, llm, logger, os.Args[2:])
		return
	}

	engine, err := retrieval.New(cfg, store, llm, logger)
	if err != nil {
		logger.Fatal("Failed to initialize retrieval engine", zap.Error(err))
	}

	runChat(ctx, engine, llm, store, logger)
}

func runIngest(ctx context.Context, cfg *config.Config, store *database.PostgresStore, llm *llmclient.Client, logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	title := fs.String("title", "", "document title (defaults to file name)")
	categories := fs.String("categories", "", "comma-separated category tags")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fitcoach ingest [-title t] [-categories a,b] <file>")
		os.Exit(2)
	}
	path := fs.Arg(0)

	docTitle := *title
	if docTitle == "" {
		docTitle = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	var tags []string
	for _, tag := range strings.Split(*categories, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	ingestor := ingest.New(cfg, store, llm, logger)

	var itemErr error
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		_, itemErr = ingestor.IngestPDF(ctx, docTitle, path, tags)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal("Failed to read document", zap.Error(err))
		}
		_, itemErr = ingestor.IngestText(ctx, docTitle, string(data), tags)
	}
	if itemErr != nil {
		logger.Fatal("Ingestion failed", zap.Error(itemErr))
	}
}

func runChat(ctx context.Context, engine *retrieval.Engine, llm *llmclient.Client, store *database.PostgresStore, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	var history []retrieval.Turn

	fmt.Println("fitcoach ready. Ask a training question (ctrl-d to quit).")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}

		answer, verdict, err := answerQuestion(ctx, engine, llm, query, history)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Request failed", zap.Error(err))
			switch {
			case apperrors.IsServiceUnavailable(err):
				fmt.Println("The model server is unavailable right now; try again in a moment.")
			case apperrors.IsGenerationFailed(err):
				fmt.Println("The model could not produce an answer for that question; please rephrase.")
			default:
				fmt.Println("Something went wrong with that question; please try again.")
			}
			continue
		}

		fmt.Println(answer)
		if len(verdict.CitedSources) > 0 {
			titles := citedTitles(ctx, store, verdict.CitedSources, logger)
			fmt.Printf("(sources: %s; validation passed: %v)\n", strings.Join(titles, "; "), verdict.Passed)
		} else if !verdict.Passed {
			fmt.Printf("(validation: %d invalid citations, %d flagged exercises, %d missing parameters)\n",
				len(verdict.InvalidCitations), len(verdict.InvalidEntities), len(verdict.MissingParameters))
		}

		history = append(history,
			retrieval.Turn{Role: "user", Content: query},
			retrieval.Turn{Role: "assistant", Content: answer})
	}
}

// citedTitles resolves cited source ids to their corpus titles. An id that
// no longer resolves falls back to the raw id; the answer was already
// printed, so title lookup failures stay cosmetic.
func citedTitles(ctx context.Context, store *database.PostgresStore, ids []uuid.UUID, logger *zap.Logger) []string {
	titles := make([]string, 0, len(ids))
	for _, id := range ids {
		title, err := store.GetItemTitle(ctx, id)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				logger.Warn("Failed to resolve cited source title",
					zap.String("item_id", id.String()), zap.Error(err))
			}
			titles = append(titles, id.String())
			continue
		}
		titles = append(titles, title)
	}
	return titles
}

// answerQuestion runs the full pipeline: retrieve, generate, validate, and
// at most one revision when required programming parameters are missing.
// A revision that still fails validation is returned as-is with its
// verdict; the user is never blocked indefinitely.
func answerQuestion(ctx context.Context, engine *retrieval.Engine, llm *llmclient.Client, query string, history []retrieval.Turn) (string, retrieval.Verdict, error) {
	intent := retrieval.Classify(query, history)

	block, err := engine.Retrieve(ctx, query, history, 8)
	if err != nil {
		return "", retrieval.Verdict{}, err
	}

	messages := []llmclient.Message{
		{Role: "system", Content: block.Text},
		{Role: "user", Content: query},
	}
	answer, err := llm.Chat(ctx, messages, nil)
	if err != nil {
		return "", retrieval.Verdict{}, err
	}

	verdict, err := engine.Validate(ctx, answer, block, intent)
	if err != nil {
		return answer, verdict, nil // validation trouble never blocks the answer
	}

	if !verdict.Passed && len(verdict.MissingParameters) > 0 {
		revised, err := engine.ReviseOnce(ctx, answer, verdict.MissingParameters, block)
		if err == nil && revised != "" {
			if revisedVerdict, err := engine.Validate(ctx, revised, block, intent); err == nil {
				return revised, revisedVerdict, nil
			}
			return revised, verdict, nil
		}
	}

	return answer, verdict, nil
}
