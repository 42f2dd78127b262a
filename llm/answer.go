package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/hupe1980/paperdex/model"
)

const (
	// DefaultContextSources is how many passages go into the prompt.
	DefaultContextSources = 5
	// DefaultExcerptChars caps each passage excerpt in the prompt.
	DefaultExcerptChars = 500
	// NoResultsAnswer is returned when retrieval produced nothing to cite.
	NoResultsAnswer = "No relevant articles found."
)

// SystemPrompt frames the completer as an archive research assistant.
const SystemPrompt = `You are a historical research assistant helping users explore the Utah Digital Newspapers archive.
Your task is to answer questions using the newspaper excerpts provided.

Rules:
- Write 3-5 clear sentences.
- Use only facts stated in the provided sources.
- Mention which source (newspaper and date) supports each claim.
- The excerpts come from OCR scans and may contain recognition errors; say so when it matters.
- If the sources do not answer the question, say that plainly.`

// Answer is a grounded answer together with the passages it cites.
type Answer struct {
	Text     string          `json:"answer"`
	Sources  []model.Passage `json:"sources"`
	Model    string          `json:"model,omitempty"`
	Fallback bool            `json:"fallback"`
}

// AnswererOption configures an Answerer.
type AnswererOption func(*Answerer)

// WithContextSources sets how many passages are sent to the completer.
func WithContextSources(n int) AnswererOption {
	return func(a *Answerer) {
		if n > 0 {
			a.sources = n
		}
	}
}

// WithExcerptChars sets the per-passage excerpt length.
func WithExcerptChars(n int) AnswererOption {
	return func(a *Answerer) {
		if n > 0 {
			a.excerpt = n
		}
	}
}

// WithAnswerLogger sets the logger.
func WithAnswerLogger(l *slog.Logger) AnswererOption {
	return func(a *Answerer) {
		if l != nil {
			a.logger = l
		}
	}
}

// Answerer turns retrieved passages into an answer. A nil completer, or a
// failing one, yields a deterministic citation summary instead.
type Answerer struct {
	completer Completer
	sources   int
	excerpt   int
	logger    *slog.Logger
}

// NewAnswerer returns an Answerer. completer may be nil.
func NewAnswerer(completer Completer, opts ...AnswererOption) *Answerer {
	a := &Answerer{
		completer: completer,
		sources:   DefaultContextSources,
		excerpt:   DefaultExcerptChars,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Answer answers question from passages. Missing passages are not cited.
// The returned error is non-nil only when ctx is done.
func (a *Answerer) Answer(ctx context.Context, question string, passages []model.Passage) (*Answer, error) {
	usable := make([]model.Passage, 0, len(passages))
	for _, p := range passages {
		if !p.Missing() {
			usable = append(usable, p)
		}
	}
	out := &Answer{Sources: usable}
	if len(usable) == 0 {
		out.Text = NoResultsAnswer
		out.Fallback = true
		return out, nil
	}

	if a.completer != nil {
		text, err := a.completer.Complete(ctx, SystemPrompt, a.Prompt(question, usable))
		if err == nil && text != "" {
			out.Text = text
			out.Model = a.completer.ModelName()
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		a.logger.Warn("completion failed, using summary", "model", a.completer.ModelName(), "error", err)
	}

	out.Text = Summary(usable)
	out.Fallback = true
	return out, nil
}

// Prompt builds the user prompt from the leading passages.
func (a *Answerer) Prompt(question string, passages []model.Passage) string {
	n := min(len(passages), a.sources)
	parts := make([]string, 0, n)
	for i, p := range passages[:n] {
		parts = append(parts, fmt.Sprintf("Source %d: %s\nPaper: %s | Date: %s\nText: %s\n",
			i+1, p.Title, p.Publication, p.Date, truncate(p.Text, a.excerpt)))
	}
	return fmt.Sprintf("User question: \"%s\"\n\nHere are the most relevant newspaper excerpts found in the archive:\n\n%s\n\n"+
		"Based on these historical sources, provide a clear and informative answer to the user's question:",
		question, strings.Join(parts, "\n---\n"))
}

// Summary describes passages without a completer: how many were found,
// which papers they come from and the date range they span.
func Summary(passages []model.Passage) string {
	if len(passages) == 0 {
		return NoResultsAnswer
	}

	var b strings.Builder
	noun := "articles"
	if len(passages) == 1 {
		noun = "article"
	}
	fmt.Fprintf(&b, "Found %d relevant %s from the Utah Digital Newspapers archive.", len(passages), noun)

	seen := make(map[string]struct{})
	var papers []string
	var dates []string
	for _, p := range passages {
		if p.Publication != "" {
			if _, ok := seen[p.Publication]; !ok {
				seen[p.Publication] = struct{}{}
				papers = append(papers, p.Publication)
			}
		}
		if p.Date != "" {
			dates = append(dates, p.Date)
		}
	}
	sort.Strings(papers)

	if len(papers) > 0 {
		shown := papers[:min(3, len(papers))]
		b.WriteString(" Sources include: ")
		b.WriteString(strings.Join(shown, ", "))
		if rest := len(papers) - len(shown); rest > 0 {
			fmt.Fprintf(&b, " and %d more", rest)
		}
		b.WriteString(".")
	}
	if len(dates) > 0 {
		sort.Strings(dates)
		if first, last := dates[0], dates[len(dates)-1]; first != last {
			fmt.Fprintf(&b, " Date range: %s to %s.", first, last)
		}
	}
	b.WriteString(" See the sources below for detailed excerpts.")
	return b.String()
}

// Relevance converts a similarity score to a percentage clamped at zero.
func Relevance(score float32) float32 {
	return max(0, score) * 100
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
