package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maltedev/taobao-scraper/internal/auth"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/parser"
	"github.com/maltedev/taobao-scraper/internal/queue"
	"github.com/maltedev/taobao-scraper/internal/ratelimit"
	"github.com/maltedev/taobao-scraper/internal/render"
	"github.com/maltedev/taobao-scraper/internal/retry"
	"github.com/maltedev/taobao-scraper/internal/storage"
)

var (
	fetchFile    *string
	fetchOut     *string
	fetchResults *string
)

func init() {
	fetchFile = fetchCmd.Flags().StringP("file", "f", "", "Read references from a file, one per line.")
	fetchOut = fetchCmd.Flags().StringP("out", "o", "", "Directory for Markdown output (default FETCH_OUTPUT_DIR).")
	fetchResults = fetchCmd.Flags().String("results", "", "Result file used to resume batches (default FETCH_RESULTS_FILE).")
	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [reference...] [--file refs.txt]",
	Short: "Fetches product pages by id, URL or share text and writes them as Markdown.",
	RunE: func(cmd *cobra.Command, args []string) error {
		refs := args
		if *fetchFile != "" {
			f, err := os.Open(*fetchFile)
			if err != nil {
				return fmt.Errorf("failed to open reference file: %w", err)
			}
			fromFile, err := readReferences(f)
			f.Close()
			if err != nil {
				return err
			}
			refs = append(refs, fromFile...)
		}
		if len(refs) == 0 {
			return errors.New("no references given")
		}

		resultsFile := cfg.Fetch.ResultsFile
		if *fetchResults != "" {
			resultsFile = *fetchResults
		}
		outDir := cfg.Fetch.OutputDir
		if *fetchOut != "" {
			outDir = *fetchOut
		}

		store, err := storage.NewResultStore(resultsFile)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}

		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		b := &batch{
			fetcher: e,
			parser:  parser.NewTaobaoParser(),
			limiter: ratelimit.NewAdaptiveRateLimiter(cfg.Fetch.RateLimitMin, cfg.Fetch.RateLimitMax),
			store:   store,
			outDir:  outDir,
			logger:  log.With("component", "batch"),
		}
		if err := b.run(cmd.Context(), refs, cfg.Fetch.QueueSize); err != nil {
			return err
		}

		var done []*storage.FetchRecord
		for _, rec := range store.Records() {
			if contains(refs, rec.Reference) {
				done = append(done, rec)
			}
		}
		renderRecords(cmd.OutOrStdout(), done)

		stats := store.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "done: %d complete, %d degraded, %d failed, %d total\n",
			stats[storage.StatusComplete], stats[storage.StatusDegraded], stats[storage.StatusFailed], stats["total"])
		return nil
	},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// readReferences returns the non-empty lines of r. Lines starting with # are
// comments.
func readReferences(r io.Reader) ([]string, error) {
	var refs []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read references: %w", err)
	}
	return refs, nil
}

type fetcher interface {
	Fetch(ctx context.Context, raw string) (*retry.Result, error)
}

type pageParser interface {
	ParsePage(state *models.PageState) (*models.Product, error)
}

type limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

// batch fetches references one at a time through the shared session.
type batch struct {
	fetcher fetcher
	parser  pageParser
	limiter limiter
	store   *storage.ResultStore
	outDir  string
	logger  *slog.Logger
}

func (b *batch) run(ctx context.Context, refs []string, capacity int) error {
	todo, err := b.store.AddPending(refs)
	if err != nil {
		return fmt.Errorf("failed to record pending references: %w", err)
	}
	if len(todo) < len(refs) {
		b.logger.Info("skipping completed references", "count", len(refs)-len(todo))
	}

	// The queue holds at most capacity references; the rest wait in the feeder.
	q := queue.NewInMemoryQueue(capacity)
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	go func() {
		defer q.Close()
		for _, ref := range todo {
			if err := q.PushWait(feedCtx, queue.NewTask(ref, 0)); err != nil {
				return
			}
		}
	}()

	for {
		task, err := q.Pop(ctx)
		if errors.Is(err, queue.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}

		if err := b.fetchOne(ctx, task.Reference); err != nil {
			// Without a login every remaining fetch would fail the same way.
			if errors.Is(err, auth.ErrLoginRequired) {
				return fmt.Errorf("stopping batch, run `taobao login` first: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (b *batch) fetchOne(ctx context.Context, ref string) error {
	log := b.logger.With("reference", ref)
	if err := b.store.SetStatus(ref, storage.StatusProcessing, ""); err != nil {
		log.Warn("failed to update result store", "error", err)
	}

	result, err := b.fetcher.Fetch(ctx, ref)
	if err != nil {
		b.limiter.RecordError()
		log.Error("fetch failed", "error", err)
		if serr := b.store.SetStatus(ref, storage.StatusFailed, err.Error()); serr != nil {
			log.Warn("failed to update result store", "error", serr)
		}
		return err
	}

	rec := &storage.FetchRecord{
		Reference: ref,
		ProductID: result.Canonical.ID,
		URL:       result.Canonical.String(),
		Verdict:   string(result.Verdict.Status),
		Signature: result.Verdict.Signature,
		Attempts:  len(result.Attempts),
		Status:    storage.StatusComplete,
	}
	if result.Verdict.Complete() {
		b.limiter.RecordSuccess()
	} else {
		b.limiter.RecordError()
		rec.Status = storage.StatusDegraded
		log.Warn("accepted degraded page", "verdict", result.Verdict.String())
	}

	product, err := b.parser.ParsePage(result.State)
	if err != nil {
		log.Error("extraction failed", "error", err)
		rec.Status = storage.StatusFailed
		rec.Error = err.Error()
		return b.store.Update(rec)
	}
	rec.Title = product.Title

	path, err := render.Save(b.outDir, product, result.Verdict)
	if err != nil {
		rec.Status = storage.StatusFailed
		rec.Error = err.Error()
		return b.store.Update(rec)
	}
	rec.MarkdownPath = path

	log.Info("saved product", "path", path, "verdict", rec.Verdict, "attempts", rec.Attempts)
	return b.store.Update(rec)
}
