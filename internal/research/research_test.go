package research

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return "results for " + query, nil
}

// routingModel answers by inspecting the request: query generation gets a
// submit_queries call, everything else gets text derived from the prompt.
type routingModel struct {
	queries []string
}

func (m *routingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	prompt := ""
	for _, msg := range messages {
		for _, p := range msg.Parts {
			if tp, ok := p.(llms.TextContent); ok {
				prompt += tp.Text
			}
		}
	}

	switch {
	case strings.Contains(prompt, "submit_queries"):
		args := `{"queries": [`
		for i, q := range m.queries {
			if i > 0 {
				args += ", "
			}
			args += fmt.Sprintf("%q", q)
		}
		args += `]}`
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
			ToolCalls: []llms.ToolCall{{
				ID:   "call_1",
				Type: "function",
				FunctionCall: &llms.FunctionCall{Name: "submit_queries", Arguments: args},
			}},
		}}}, nil

	case strings.Contains(prompt, "QUERY:"):
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
			Content: "some relevant facts",
		}}}, nil

	default:
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
			Content: "BRIEFING built from notes",
		}}}, nil
	}
}

func (m *routingModel) Call(ctx context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return "", fmt.Errorf("Call is not supported by routingModel")
}

func TestBuilder_BuildFansOutQueries(t *testing.T) {
	searcher := &fakeSearcher{}
	model := &routingModel{queries: []string{"flight prices june", "visa rules"}}
	b := NewBuilder(model, searcher, NewFetcher(), nil)

	briefing, err := b.Build(context.Background(), "book me a trip in June")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(briefing, "BRIEFING") {
		t.Errorf("briefing = %q", briefing)
	}
	if len(searcher.queries) != 2 {
		t.Errorf("searches = %v, want 2", searcher.queries)
	}
}

// noQueryModel never calls submit_queries, meaning no research applies.
type noQueryModel struct{}

func (noQueryModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "no research needed"}}}, nil
}

func (noQueryModel) Call(ctx context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return "", fmt.Errorf("not supported")
}

func TestBuilder_BuildWithoutQueries(t *testing.T) {
	b := NewBuilder(noQueryModel{}, &fakeSearcher{}, NewFetcher(), nil)

	briefing, err := b.Build(context.Background(), "say hello")
	if err != nil {
		t.Fatal(err)
	}
	if briefing != "" {
		t.Errorf("briefing = %q, want empty when nothing was researched", briefing)
	}
}

func TestBuilder_GoalURLsCapped(t *testing.T) {
	b := NewBuilder(nil, nil, nil, nil)
	goal := "compare https://a.example/one https://b.example/two https://c.example/three https://d.example/four"

	urls := b.goalURLs(goal)
	if len(urls) != b.MaxURLs {
		t.Fatalf("got %d urls, want %d", len(urls), b.MaxURLs)
	}
	if urls[0] != "https://a.example/one" {
		t.Errorf("urls[0] = %q", urls[0])
	}
}

func TestGenerateQueries_CapsAtMax(t *testing.T) {
	model := &routingModel{queries: []string{"q1", "q2", "q3", "q4", "q5"}}
	b := NewBuilder(model, &fakeSearcher{}, NewFetcher(), nil)

	queries, err := b.generateQueries(context.Background(), "a very broad goal")
	if err != nil {
		t.Fatal(err)
	}
	if len(queries) != b.MaxQueries {
		t.Errorf("got %d queries, want %d", len(queries), b.MaxQueries)
	}
}
