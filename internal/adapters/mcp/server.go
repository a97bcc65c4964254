// Package mcpadapter exposes chunk search as an MCP tool over stdio.
package mcpadapter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/docmatch-pipeline/internal/core/domain"
	"github.com/kirillkom/docmatch-pipeline/internal/core/ports"
)

const (
	serverName     = "docmatch-pipeline"
	serverVersion  = "1.0.0"
	searchToolName = "search_chunks"
)

type Server struct {
	search ports.SearchService
	mcp    *server.MCPServer
}

func NewServer(search ports.SearchService) *Server {
	s := &Server{
		search: search,
		mcp:    server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}
	s.mcp.AddTool(searchTool(), s.handleSearch)
	return s
}

func searchTool() mcp.Tool {
	return mcp.NewTool(searchToolName,
		mcp.WithDescription("Semantic search over indexed document chunks. Optionally boosts one article number."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language query")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of chunks to return")),
		mcp.WithString("source", mcp.Description("Restrict results to one document source")),
		mcp.WithString("article_number", mcp.Description("Article number to boost, e.g. 3 or 3-2")),
		mcp.WithNumber("boost_factor", mcp.Description("Multiplier applied to the boosted article, >= 1")),
	)
}

// ServeStdio blocks until stdin closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	searchReq := domain.SearchRequest{
		Query: query,
		TopK:  req.GetInt("top_k", 0),
	}
	if source := strings.TrimSpace(req.GetString("source", "")); source != "" {
		searchReq.Filter.Sources = []string{source}
	}
	if article := strings.TrimSpace(req.GetString("article_number", "")); article != "" {
		searchReq.Boost = &domain.Boost{
			ArticleNumber: article,
			Factor:        req.GetFloat("boost_factor", 1.5),
		}
	}

	results, err := s.search.Search(ctx, searchReq)
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidInput) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}
