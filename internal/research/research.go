package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rahul/majordomo/internal/observability"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// Searcher runs a single web search and returns the raw results.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

type ddgSearcher struct {
	client *duckduckgo.Tool
}

// NewSearcher returns a DuckDuckGo-backed Searcher.
func NewSearcher() (Searcher, error) {
	ddg, err := duckduckgo.New(5, defaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &ddgSearcher{client: ddg}, nil
}

func (d *ddgSearcher) Search(ctx context.Context, query string) (string, error) {
	res, err := d.client.Call(ctx, query)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	return res, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

const (
	queryGenPrompt = `You are a research assistant preparing background material for a
personal operations assistant. Given the user's goal, produce up to %d short
web search queries that would surface the facts needed to plan it well.
Skip queries for things the user already stated. Call submit_queries with
your list; submit an empty list if no research is needed.`

	sectionPrompt = `Write a compact research note answering the query below,
using only the search results provided. Plain text, a few sentences, facts
and figures over prose. If the results are useless, reply with exactly
NO_FINDINGS.

QUERY: %s

SEARCH RESULTS:
%s`

	synthesisPrompt = `Merge the research notes below into one briefing for a
planning assistant working on the stated goal. Keep every concrete fact,
date, name and number. Drop duplicates and dead ends. Plain text.

GOAL: %s

NOTES:
%s`
)

// Builder assembles a research briefing for a goal before planning starts.
// URLs mentioned in the goal are fetched directly; the rest of the briefing
// comes from generated search queries resolved concurrently.
type Builder struct {
	Model   llms.Model
	Search  Searcher
	Fetcher *Fetcher
	Logger  *observability.Logger

	MaxQueries int
	MaxURLs    int
}

func NewBuilder(model llms.Model, search Searcher, fetcher *Fetcher, logger *observability.Logger) *Builder {
	return &Builder{
		Model:      model,
		Search:     search,
		Fetcher:    fetcher,
		Logger:     logger,
		MaxQueries: 3,
		MaxURLs:    3,
	}
}

// Build returns a text briefing for the goal, or "" when no research applies.
func (b *Builder) Build(ctx context.Context, goal string) (string, error) {
	observability.SetStatus(observability.RoleResearch, "")

	var notes []string

	for _, pageURL := range b.goalURLs(goal) {
		content, err := b.Fetcher.Fetch(ctx, pageURL)
		if err != nil {
			notes = append(notes, fmt.Sprintf("SOURCE %s: unreachable (%v)", pageURL, err))
			continue
		}
		notes = append(notes, fmt.Sprintf("SOURCE %s:\n%s", pageURL, content))
	}

	queries, err := b.generateQueries(ctx, goal)
	if err != nil {
		return "", err
	}

	notes = append(notes, b.resolveQueries(ctx, queries)...)
	if len(notes) == 0 {
		return "", nil
	}

	return b.synthesize(ctx, goal, notes)
}

func (b *Builder) goalURLs(goal string) []string {
	urls := urlPattern.FindAllString(goal, -1)
	if len(urls) > b.MaxURLs {
		urls = urls[:b.MaxURLs]
	}
	return urls
}

// resolveQueries fans out one goroutine per query. Each worker owns one slot
// of the results slice, so collection needs no locking beyond the WaitGroup.
func (b *Builder) resolveQueries(ctx context.Context, queries []string) []string {
	results := make([]string, len(queries))
	var wg sync.WaitGroup
	for i, query := range queries {
		wg.Add(1)
		go func(i int, query string) {
			defer wg.Done()
			section, err := b.resolveQuery(ctx, query)
			if err != nil {
				b.Logger.LogResearchFailed("", "", fmt.Errorf("query %q: %w", query, err))
				return
			}
			results[i] = section
		}(i, query)
	}
	wg.Wait()

	var notes []string
	for i, section := range results {
		if section == "" || section == "NO_FINDINGS" {
			continue
		}
		notes = append(notes, fmt.Sprintf("QUERY %q:\n%s", queries[i], section))
	}
	return notes
}

func (b *Builder) resolveQuery(ctx context.Context, query string) (string, error) {
	raw, err := b.Search.Search(ctx, query)
	if err != nil {
		return "", err
	}

	resp, err := b.Model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(sectionPrompt, query, raw)),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response writing section")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func (b *Builder) generateQueries(ctx context.Context, goal string) ([]string, error) {
	resp, err := b.Model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(queryGenPrompt, b.MaxQueries)),
			llms.TextParts(llms.ChatMessageTypeHuman, goal),
		},
		llms.WithTools([]llms.Tool{submitQueriesTool()}),
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response generating queries")
	}

	for _, tc := range resp.Choices[0].ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "submit_queries" {
			continue
		}
		var args struct {
			Queries []string `json:"queries"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
			return nil, fmt.Errorf("malformed submit_queries arguments: %w", err)
		}
		if len(args.Queries) > b.MaxQueries {
			args.Queries = args.Queries[:b.MaxQueries]
		}
		return args.Queries, nil
	}

	// No tool call means the model judged research unnecessary.
	return nil, nil
}

func (b *Builder) synthesize(ctx context.Context, goal string, notes []string) (string, error) {
	resp, err := b.Model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman,
			fmt.Sprintf(synthesisPrompt, goal, strings.Join(notes, "\n\n"))),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response synthesizing briefing")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func submitQueriesTool() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "submit_queries",
			Description: "Submit the web search queries to run before planning.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"queries": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Short web search queries, most important first.",
					},
				},
				"required": []string{"queries"},
			},
		},
	}
}
