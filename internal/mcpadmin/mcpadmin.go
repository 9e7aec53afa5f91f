// Package mcpadmin exposes the framework's bundle lifecycle and service
// registry as MCP tools (C16, optional), so an AI assistant can drive the
// same administration surface as the interactive shell. Grounded on
// muster's internal/agent server_mcp.go/server_upgrade.go: a
// server.NewMCPServer wrapping a set of mcp.NewTool definitions, each
// registered with mcpServer.AddTool(tool, handler), with handlers reading
// arguments via request.GetArguments() and returning
// mcp.NewToolResultText/mcp.NewToolResultError.
package mcpadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"module/internal/bundle"
	"module/internal/framework"
)

// ServerName and ServerVersion identify this MCP server to connecting clients.
const (
	ServerName    = "module-admin"
	ServerVersion = "1.0.0"
)

// Admin wraps a framework.Framework and exposes it as an MCP tool server.
type Admin struct {
	fw        *framework.Framework
	mcpServer *server.MCPServer
}

// New builds an Admin and registers every administration tool on it.
func New(fw *framework.Framework) *Admin {
	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	a := &Admin{fw: fw, mcpServer: mcpServer}
	a.registerTools()
	return a
}

// Serve runs the MCP server over stdio, blocking until the transport closes.
func (a *Admin) Serve() error {
	return server.ServeStdio(a.mcpServer)
}

func (a *Admin) registerTools() {
	installTool := mcp.NewTool("install_bundle",
		mcp.WithDescription("Install every bundle contained in an archive path, returning the installed bundle ids"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Filesystem path to the bundle archive (zip) to install"),
		),
	)
	a.mcpServer.AddTool(installTool, a.handleInstallBundle)

	startTool := mcp.NewTool("start_bundle",
		mcp.WithDescription("Start an installed bundle by id, activating its declarative components"),
		mcp.WithNumber("bundle_id",
			mcp.Required(),
			mcp.Description("Numeric id of the bundle to start"),
		),
	)
	a.mcpServer.AddTool(startTool, a.handleStartBundle)

	stopTool := mcp.NewTool("stop_bundle",
		mcp.WithDescription("Stop an active bundle by id, deactivating its declarative components"),
		mcp.WithNumber("bundle_id",
			mcp.Required(),
			mcp.Description("Numeric id of the bundle to stop"),
		),
	)
	a.mcpServer.AddTool(stopTool, a.handleStopBundle)

	uninstallTool := mcp.NewTool("uninstall_bundle",
		mcp.WithDescription("Uninstall a resolved or installed bundle by id, removing it from the framework"),
		mcp.WithNumber("bundle_id",
			mcp.Required(),
			mcp.Description("Numeric id of the bundle to uninstall"),
		),
	)
	a.mcpServer.AddTool(uninstallTool, a.handleUninstallBundle)

	listBundlesTool := mcp.NewTool("list_bundles",
		mcp.WithDescription("List every installed bundle with its symbolic name, version, and lifecycle state"),
	)
	a.mcpServer.AddTool(listBundlesTool, a.handleListBundles)

	listServicesTool := mcp.NewTool("list_services",
		mcp.WithDescription("List every service currently published in the service registry"),
	)
	a.mcpServer.AddTool(listServicesTool, a.handleListServices)
}

func (a *Admin) handleInstallBundle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, ok := request.GetArguments()["path"].(string)
	if !ok || path == "" {
		return mcp.NewToolResultError("path parameter is required"), nil
	}

	bundles, err := a.fw.Bundles.Install(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("install failed: %v", err)), nil
	}

	return jsonResult(bundleSummaries(bundles))
}

func (a *Admin) handleStartBundle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult := a.resolveBundle(request)
	if errResult != nil {
		return errResult, nil
	}
	if err := a.fw.Bundles.Start(b); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	return jsonResult(bundleSummary(b))
}

func (a *Admin) handleStopBundle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult := a.resolveBundle(request)
	if errResult != nil {
		return errResult, nil
	}
	if err := a.fw.Bundles.Stop(b); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", err)), nil
	}
	return jsonResult(bundleSummary(b))
}

func (a *Admin) handleUninstallBundle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult := a.resolveBundle(request)
	if errResult != nil {
		return errResult, nil
	}
	id := b.ID()
	if err := a.fw.Bundles.Uninstall(b); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("uninstall failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("uninstalled bundle %d", id)), nil
}

func (a *Admin) handleListBundles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(bundleSummaries(a.fw.Bundles.Bundles()))
}

func (a *Admin) handleListServices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refs := a.fw.Registry.AllReferences()
	summaries := make([]serviceSummary, 0, len(refs))
	for _, ref := range refs {
		summaries = append(summaries, serviceSummary{
			ID:         ref.ID,
			BundleID:   ref.BundleID(),
			Interfaces: ref.Interfaces(),
			Ranking:    ref.Ranking,
		})
	}
	return jsonResult(summaries)
}

// resolveBundle extracts bundle_id from the request and looks it up, returning
// a ready-to-return error result when the argument or the bundle is invalid.
func (a *Admin) resolveBundle(request mcp.CallToolRequest) (*bundle.Bundle, *mcp.CallToolResult) {
	raw, present := request.GetArguments()["bundle_id"]
	if !present {
		return nil, mcp.NewToolResultError("bundle_id parameter is required")
	}

	var id int64
	switch v := raw.(type) {
	case float64:
		id = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid bundle_id %q", v))
		}
		id = parsed
	default:
		return nil, mcp.NewToolResultError("bundle_id must be a number")
	}

	b, found := a.fw.Bundles.Bundle(id)
	if !found {
		return nil, mcp.NewToolResultError(fmt.Sprintf("no such bundle: %d", id))
	}
	return b, nil
}

type bundleInfo struct {
	ID           int64  `json:"id"`
	SymbolicName string `json:"symbolic_name"`
	Version      string `json:"version"`
	State        string `json:"state"`
}

type serviceSummary struct {
	ID         int64    `json:"id"`
	BundleID   int64    `json:"bundle_id"`
	Interfaces []string `json:"interfaces"`
	Ranking    int      `json:"ranking"`
}

func bundleSummary(b *bundle.Bundle) bundleInfo {
	return bundleInfo{ID: b.ID(), SymbolicName: b.SymbolicName(), Version: b.Version(), State: b.State().String()}
}

func bundleSummaries(bundles []*bundle.Bundle) []bundleInfo {
	summaries := make([]bundleInfo, 0, len(bundles))
	for _, b := range bundles {
		summaries = append(summaries, bundleSummary(b))
	}
	return summaries
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
