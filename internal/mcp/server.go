package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-forms/internal/config"
	"github.com/a3tai/mcp-pdf-forms/internal/descriptions"
	"github.com/a3tai/mcp-pdf-forms/internal/forms"
	"github.com/a3tai/mcp-pdf-forms/internal/jobs"
)

// Server represents the MCP server instance
type Server struct {
	config    *config.Config
	forms     *forms.Service
	mcpServer *server.MCPServer
	log       *zap.Logger
}

// NewServer creates a new MCP server instance
func NewServer(cfg *config.Config, svc *forms.Service, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("forms service cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	mcpServer := server.NewMCPServer(
		cfg.ServerName,
		cfg.Version,
		server.WithToolCapabilities(false), // We don't support dynamic tool capabilities
		server.WithRecovery(),
	)

	s := &Server{
		config:    cfg,
		forms:     svc,
		mcpServer: mcpServer,
		log:       log.Named("mcp"),
	}

	s.registerTools()

	return s, nil
}

func documentIDArg() mcp.ToolOption {
	return mcp.WithString("document_id",
		mcp.Required(),
		mcp.Description("Identifier of an uploaded document"),
	)
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"form_upload",
		mcp.WithDescription(descriptions.FormUploadDescription),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Full path to the PDF file"),
		),
		mcp.WithNumber("user_id",
			mcp.Required(),
			mcp.Description("Owner of the document"),
		),
	), s.handleUpload)

	s.mcpServer.AddTool(mcp.NewTool(
		"form_regions",
		mcp.WithDescription(descriptions.FormRegionsDescription),
		documentIDArg(),
	), s.handleRegions)

	s.mcpServer.AddTool(mcp.NewTool(
		"form_transform_start",
		mcp.WithDescription(descriptions.FormTransformStartDescription),
		documentIDArg(),
	), s.handleTransformStart)

	s.mcpServer.AddTool(mcp.NewTool(
		"form_transform_status",
		mcp.WithDescription(descriptions.FormTransformStatusDescription),
		documentIDArg(),
	), s.handleTransformStatus)

	s.mcpServer.AddTool(mcp.NewTool(
		"form_artifact",
		mcp.WithDescription(descriptions.FormArtifactDescription),
		documentIDArg(),
	), s.handleArtifact)

	s.mcpServer.AddTool(mcp.NewTool(
		"form_fill",
		mcp.WithDescription(descriptions.FormFillDescription),
		documentIDArg(),
		mcp.WithObject("values",
			mcp.Required(),
			mcp.Description("Map of region key to value, e.g. {\"1\": \"Jane Doe\"}"),
		),
		mcp.WithString("subject",
			mcp.Description("Subject the document is filled for"),
		),
		mcp.WithString("actor",
			mcp.Description("Who is filling the document"),
		),
	), s.handleFill)
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Handler functions
func (s *Server) handleUpload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return toolError(err), nil
	}
	userID, err := request.RequireFloat("user_id")
	if err != nil {
		return toolError(err), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return toolError(err), nil
	}
	defer f.Close()

	// One byte over the limit is enough for the service to reject the file
	data, err := io.ReadAll(io.LimitReader(f, s.forms.GetMaxFileSize()+1))
	if err != nil {
		return toolError(err), nil
	}

	doc, err := s.forms.UploadDocument(ctx, forms.UploadRequest{
		UserID:   int64(userID),
		Filename: path,
		Data:     data,
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(doc)
}

func (s *Server) handleRegions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentID, err := request.RequireString("document_id")
	if err != nil {
		return toolError(err), nil
	}

	res, err := s.forms.Regions(ctx, documentID)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(formatRegions(res)), nil
}

func formatRegions(res *forms.RegionsResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n", res.DocumentID)
	fmt.Fprintf(&b, "Regions: %d (index v%d, fingerprint %s)\n\n", len(res.Regions), res.IndexVersion, res.Fingerprint)
	for _, r := range res.Regions {
		fmt.Fprintf(&b, "%d. %s [%s] page %d", r.Key, r.Region.Label, r.Region.Kind, r.Region.Page)
		if r.Region.Value != "" {
			fmt.Fprintf(&b, " = %q", r.Region.Value)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Server) handleTransformStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentID, err := request.RequireString("document_id")
	if err != nil {
		return toolError(err), nil
	}

	if err := s.forms.StartTransformation(ctx, documentID); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Transformation of %s started. Poll form_transform_status until it reports done.", documentID)), nil
}

func (s *Server) handleTransformStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentID, err := request.RequireString("document_id")
	if err != nil {
		return toolError(err), nil
	}

	st, err := s.forms.Status(ctx, documentID)
	if err != nil {
		return toolError(err), nil
	}
	if st.Status == jobs.Done && !st.HasArtifact {
		s.log.Debug("transformation ended without a form", zap.String("document_id", documentID))
	}
	return jsonResult(st)
}

func (s *Server) handleArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentID, err := request.RequireString("document_id")
	if err != nil {
		return toolError(err), nil
	}

	art, err := s.forms.Artifact(ctx, documentID)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(art.Markup), nil
}

func (s *Server) handleFill(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	documentID, err := request.RequireString("document_id")
	if err != nil {
		return toolError(err), nil
	}
	values, err := stringValues(request.GetArguments()["values"])
	if err != nil {
		return toolError(err), nil
	}

	res, err := s.forms.Fill(ctx, forms.FillRequest{
		DocumentID: documentID,
		Subject:    request.GetString("subject", ""),
		Actor:      request.GetString("actor", ""),
		Values:     values,
	})
	if err != nil {
		return toolError(err), nil
	}

	report, err := json.MarshalIndent(res.Report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode fill report: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(report)),
			mcp.NewEmbeddedResource(mcp.BlobResourceContents{
				URI:      "file:///" + res.Filename,
				MIMEType: "application/pdf",
				Blob:     base64.StdEncoding.EncodeToString(res.Document),
			}),
		},
	}, nil
}

func stringValues(arg any) (map[string]string, error) {
	raw, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("values must be an object")
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			values[k] = v
		case nil:
			values[k] = ""
		case map[string]any, []any:
			return nil, fmt.Errorf("value of %q must be a scalar", k)
		default:
			values[k] = fmt.Sprint(v)
		}
	}
	return values, nil
}

// Run serves MCP over stdio until ctx is done or stdin is closed
func (s *Server) Run(ctx context.Context) error {
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Debug("starting MCP server in stdio mode", zap.String("storage", s.config.StorageDirectory))

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(s.log))
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to serve stdio: %w", err)
	}
	return nil
}
