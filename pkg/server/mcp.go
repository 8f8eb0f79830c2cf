package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

type DeepResearchArgs struct {
	Topic    string `json:"topic" jsonschema:"the research topic or question"`
	MaxDepth int    `json:"maxDepth,omitempty" jsonschema:"maximum number of research rounds"`
}

type SearchFindingsArgs struct {
	Query string `json:"query" jsonschema:"the search query"`
	TopK  int    `json:"topK,omitempty" jsonschema:"number of results to return, default 5"`
	JobID string `json:"jobId,omitempty" jsonschema:"only return findings from this research job"`
}

type mcpTools struct {
	service *Service
}

// NewMCPServer exposes research runs and the findings archive as MCP tools.
func NewMCPServer(s *Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "deep-research-mcp", Version: "1.0.0"}, nil)
	t := &mcpTools{service: s}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "deep_research",
		Description: "Research a topic on the web over several rounds and return a synthesized report.",
	}, t.deepResearch)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_findings",
		Description: "Semantic search over findings archived by earlier research runs.",
	}, t.searchFindings)
	return server
}

// NewMCPHandler serves the MCP server over streamable HTTP.
func NewMCPHandler(s *Service) http.Handler {
	server := NewMCPServer(s)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

func (t *mcpTools) deepResearch(ctx context.Context, _ *mcp.CallToolRequest, args DeepResearchArgs) (*mcp.CallToolResult, any, error) {
	job, res, err := t.service.RunJob(ctx, CreateJobRequest{Topic: args.Topic, MaxDepth: args.MaxDepth})
	if err != nil {
		return nil, nil, err
	}
	if !res.Success {
		return errorResult(fmt.Sprintf("research %s failed: %s", job.ID, res.Error)), nil, nil
	}

	var sb strings.Builder
	sb.WriteString(res.Synthesis)
	if len(res.Sources) > 0 {
		sb.WriteString("\n\nSources:\n")
		for _, src := range res.Sources {
			fmt.Fprintf(&sb, "- %s (%s)\n", src.Title, src.URL)
		}
	}
	return textResult(sb.String()), nil, nil
}

func (t *mcpTools) searchFindings(ctx context.Context, _ *mcp.CallToolRequest, args SearchFindingsArgs) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return errorResult("query is required"), nil, nil
	}
	results, err := t.service.SearchFindings(ctx, args.Query, args.TopK, vectorstore.Filter{JobID: args.JobID})
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	if len(results) == 0 {
		return textResult("No findings matched the query."), nil, nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] score=%.3f source=%v\n%s\n\n", i+1, r.Score, r.Document.Metadata["source"], r.Document.Content)
	}
	return textResult(strings.TrimSpace(sb.String())), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}
