package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/paperdex"
	"github.com/hupe1980/paperdex/llm"
	"github.com/hupe1980/paperdex/model"
)

const snippetChars = 300

type queryFlags struct {
	k      int
	nprobe int
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.k, "k", "k", 0, "number of passages (default from config)")
	cmd.Flags().IntVar(&f.nprobe, "nprobe", 0, "inverted lists probed per query (default from config)")
}

// open validates the flags and opens the served artifact with an embedder.
func (f *queryFlags) open(ctx context.Context, a *app) (*paperdex.DB, int, error) {
	k := f.k
	if k == 0 {
		k = a.cfg.Search.K
	}
	if k < 1 || k > a.cfg.Search.MaxK {
		return nil, 0, fmt.Errorf("%w: k must be in [1,%d], got %d", model.ErrInvalidK, a.cfg.Search.MaxK, k)
	}
	if f.nprobe > 0 {
		a.cfg.Search.NProbe = f.nprobe
	}
	st, err := openStores(ctx, a.cfg.Storage, a.logger.Logger)
	if err != nil {
		return nil, 0, err
	}
	db, err := a.openDB(ctx, st, true)
	if err != nil {
		return nil, 0, err
	}
	return db, k, nil
}

func newQueryCmd(a *app) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Retrieve passages for a question",
		Long: `Embeds the question, searches the served artifact and prints the nearest
passages with their citations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, k, err := f.open(ctx, a)
			if err != nil {
				return err
			}
			defer db.Close()

			passages, err := db.RetrieveText(ctx, args[0], k)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(cmd, passages)
			}
			printPassages(cmd, passages)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newAskCmd(a *app) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from retrieved passages",
		Long: `Retrieves passages for the question and asks the configured completion
backend (Groq, Ollama or OpenAI) for an answer grounded in them. Without a
working backend a summary of the sources is printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, k, err := f.open(ctx, a)
			if err != nil {
				return err
			}
			defer db.Close()

			answer, err := db.Ask(ctx, a.answerer(), args[0], k)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(cmd, answer)
			}
			cmd.Println(answer.Text)
			cmd.Println()
			printPassages(cmd, answer.Sources)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// answerer returns an Answerer backed by the configured completer, or a
// summary-only one when completion is disabled or unavailable.
func (a *app) answerer() *llm.Answerer {
	opts := []llm.AnswererOption{llm.WithAnswerLogger(a.logger.Logger)}
	if !a.cfg.Completion.Enabled {
		return llm.NewAnswerer(nil, opts...)
	}
	completer, err := llm.NewCompleter(a.cfg.CompleterConfig(a.logger.Logger))
	if err != nil {
		a.logger.Warn("completion unavailable", "backend", a.cfg.Completion.Backend, "error", err)
		return llm.NewAnswerer(nil, opts...)
	}
	return llm.NewAnswerer(completer, opts...)
}

func printPassages(cmd *cobra.Command, passages []model.Passage) {
	if len(passages) == 0 {
		cmd.Println("No relevant articles found.")
		return
	}
	for i, p := range passages {
		if p.Missing() {
			cmd.Printf("  [%d] #%d unavailable: %v\n\n", i+1, p.ID, p.Err)
			continue
		}
		cmd.Printf("  [%d] %s (%.0f%%)\n", i+1, p.Title, llm.Relevance(p.Score))
		cmd.Printf("      %s | %s\n", p.Publication, p.Date)
		if p.Link != "" {
			cmd.Printf("      %s\n", p.Link)
		}
		cmd.Printf("      %s\n\n", snippet(p.Text))
	}
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= snippetChars {
		return text
	}
	return string(r[:snippetChars]) + "..."
}
