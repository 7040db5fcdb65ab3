package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/symbolicator"
	"github.com/yousuf/sharpen/internal/workspace"
)

// SymbolicateTraceArgs represents the arguments for the symbolicate_trace tool
type SymbolicateTraceArgs struct {
	Root    string `json:"root,omitempty" jsonschema:"Name of the binaries root. May be omitted when only one root is configured."`
	Trace   string `json:"trace" jsonschema:"Decorated stack trace, one frame per line"`
	Explain bool   `json:"explain,omitempty" jsonschema:"Append the outcome of each line (default: false)"`
}

// ResolveFrameArgs represents the arguments for the resolve_frame tool
type ResolveFrameArgs struct {
	Root string `json:"root,omitempty" jsonschema:"Name of the binaries root. May be omitted when only one root is configured."`
	Line string `json:"line" jsonschema:"A single decorated frame line, e.g. '   at Foo.Bar() IL_0020 T_06000001'"`
}

// ListModulesArgs represents the arguments for the list_modules tool
type ListModulesArgs struct {
	Root string `json:"root,omitempty" jsonschema:"Name of the binaries root. May be omitted when only one root is configured."`
}

// FrameResult is the structured output of resolve_frame
type FrameResult struct {
	Output      string `json:"output"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Module      string `json:"module,omitempty"`
	Document    string `json:"document,omitempty"`
	StartLine   int    `json:"startLine,omitempty"`
	StartColumn int    `json:"startColumn,omitempty"`
	EndLine     int    `json:"endLine,omitempty"`
	EndColumn   int    `json:"endColumn,omitempty"`
}

// ModuleList is the structured output of list_modules
type ModuleList struct {
	Root    string   `json:"root"`
	Dir     string   `json:"dir"`
	Modules []string `json:"modules"`
}

// NewMCPServer creates and configures the MCP server
func NewMCPServer(mgr *workspace.Manager, logger *zap.Logger) *mcp.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "sharpen",
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		Instructions: fmt.Sprintf(`
.NET Stack Trace Symbolication

Sharpen rewrites decorated .NET stack frames into frames with source locations.
A decorated frame carries the IL offset and the method token:

    at MyApp.Orders.Submit(Order o) IL_0020 T_06000012

and comes back as:

    at MyApp.Orders.Submit(Order o) IL_0020 T_06000012 in src/Orders.cs:42 [42:9-42:31]

Lines that cannot be resolved are returned unchanged.

Configured roots: %s

Available Tools:
1. "symbolicate_trace" - Symbolicate a whole trace
2. "resolve_frame" - Resolve a single frame and report why it did or did not resolve
3. "list_modules" - List the binaries of a root
`, strings.Join(mgr.Roots(), ", ")),
	})

	server.AddReceivingMiddleware(createLoggingMiddleware(logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "symbolicate_trace",
		Description: "Symbolicate a decorated .NET stack trace against the binaries of a root. Returns the trace with resolved frames rewritten and all other lines unchanged.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SymbolicateTraceArgs) (*mcp.CallToolResult, any, error) {
		ws, err := getWorkspace(mgr, args.Root)
		if err != nil {
			return nil, nil, err
		}

		results, err := ws.Symbolicator.Trace(ctx, ws.Dir, args.Trace)
		if err != nil {
			return nil, nil, fmt.Errorf("symbolication canceled: %w", err)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: symbolicator.FormatTrace(results, args.Explain)},
			},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_frame",
		Description: "Resolve a single decorated frame. Reports the rewritten line, the resolved module and source range, or the reason the frame was left unchanged.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ResolveFrameArgs) (*mcp.CallToolResult, FrameResult, error) {
		ws, err := getWorkspace(mgr, args.Root)
		if err != nil {
			return nil, FrameResult{}, err
		}

		res := ws.Symbolicator.Line(ctx, ws.Dir, args.Line)
		return nil, frameResult(res), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_modules",
		Description: "List the binaries available in a root.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ListModulesArgs) (*mcp.CallToolResult, ModuleList, error) {
		ws, err := getWorkspace(mgr, args.Root)
		if err != nil {
			return nil, ModuleList{}, err
		}

		modules, err := ws.Symbolicator.Resolver().Modules(ws.Dir)
		if err != nil {
			return nil, ModuleList{}, fmt.Errorf("failed to list root %q: %w", ws.Name, err)
		}
		if modules == nil {
			modules = []string{}
		}
		return nil, ModuleList{Root: ws.Name, Dir: ws.Dir, Modules: modules}, nil
	})

	return server
}

// getWorkspace returns the workspace of root, defaulting to the only
// configured root when root is empty
func getWorkspace(mgr *workspace.Manager, root string) (*workspace.Workspace, error) {
	if root == "" {
		roots := mgr.Roots()
		if len(roots) != 1 {
			return nil, fmt.Errorf("root is required. Available roots: %v", roots)
		}
		root = roots[0]
	}

	ws, err := mgr.Get(root)
	if err != nil {
		return nil, err
	}
	ws.Touch()
	return ws, nil
}

func frameResult(res symbolicator.Result) FrameResult {
	out := FrameResult{
		Output: res.Output,
		Status: res.Kind.String(),
		Reason: res.Reason.String(),
		Module: res.Module,
	}
	if loc := res.Location; loc != nil {
		out.Document = loc.Document
		out.StartLine = loc.StartLine
		out.StartColumn = loc.StartColumn
		out.EndLine = loc.EndLine
		out.EndColumn = loc.EndColumn
	}
	return out
}
