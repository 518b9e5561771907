// Package mcpserver registers MCP tools that expose the device and the
// folder sync operations to agents.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/docsync"
)

// RegisterTools adds the device and sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, session *device.Session, syncer *docsync.Syncer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "device_connect",
		Description: "Connect to the Digital Paper device using the configured address and credentials. Other tools fail until this succeeds.",
	}, connectHandler(session))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "device_list_all",
		Description: "List every document on the device with path, size and modification time. Folders are omitted. No file content.",
	}, listAllHandler(session))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_plan",
		Description: "Show what a sync would do without doing it. Returns the ordered actions (upload, download, delete_remote, skip) for the given mode and local folder.",
	}, planHandler(syncer))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_download_all",
		Description: "Download every device document missing from the local folder. Existing local files are never overwritten. The folder is created if needed.",
	}, syncHandler(syncer.DownloadAll))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_upload_all",
		Description: "Upload every local PDF missing on the device. Existing device documents are never overwritten or deleted.",
	}, syncHandler(syncer.UploadAll))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_mirror",
		Description: "Make the device match the local folder: upload files missing on the device and DELETE device documents that are not in the local folder.",
	}, syncHandler(syncer.Mirror))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ConnectInput has no parameters.
type ConnectInput struct{}

// ListAllInput holds parameters for device_list_all.
type ListAllInput struct {
	Prefix string `json:"prefix,omitempty" jsonschema:"only list documents whose path starts with this, e.g. Document/Papers"`
}

// PlanInput holds parameters for sync_plan.
type PlanInput struct {
	LocalFolder string `json:"local_folder" jsonschema:"required,local folder to sync, ~ is expanded"`
	Mode        string `json:"mode" jsonschema:"required,one of download_all, upload_all or mirror"`
}

// SyncInput holds parameters for the sync tools.
type SyncInput struct {
	LocalFolder string `json:"local_folder" jsonschema:"required,local folder to sync, ~ is expanded"`
}

// --- Output types ---
// Outputs carry only strings and numbers so the inferred schemas stay simple.

// ConnectResult is returned by device_connect.
type ConnectResult struct {
	Connected bool   `json:"connected"`
	Info      string `json:"info"`
}

// DocumentEntry is one document in a device listing.
type DocumentEntry struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Modified  string `json:"modified,omitempty"`
}

// ListAllResult is returned by device_list_all.
type ListAllResult struct {
	TotalDocuments int             `json:"total_documents"`
	Documents      []DocumentEntry `json:"documents"`
}

// PlanAction is one planned action.
type PlanAction struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// PlanResult is returned by sync_plan.
type PlanResult struct {
	Mode      string       `json:"mode"`
	Actions   []PlanAction `json:"actions"`
	Uploads   int          `json:"uploads"`
	Downloads int          `json:"downloads"`
	Deletes   int          `json:"deletes"`
	Skips     int          `json:"skips"`
}

// FailureEntry is one action that failed during a sync.
type FailureEntry struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// SyncResult is returned by the sync tools.
type SyncResult struct {
	Mode       string         `json:"mode"`
	Uploaded   int            `json:"uploaded"`
	Downloaded int            `json:"downloaded"`
	Deleted    int            `json:"deleted"`
	Skipped    int            `json:"skipped"`
	Total      int            `json:"total"`
	Failures   []FailureEntry `json:"failures"`
	DurationMs int64          `json:"duration_ms"`
}

// --- Handlers ---

func connectHandler(session *device.Session) mcp.ToolHandlerFor[ConnectInput, *ConnectResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ConnectInput) (*mcp.CallToolResult, *ConnectResult, error) {
		info, err := session.Connect(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ConnectResult{Connected: true, Info: string(info)}

		return textResult(result), result, nil
	}
}

func listAllHandler(session *device.Session) mcp.ToolHandlerFor[ListAllInput, *ListAllResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListAllInput) (*mcp.CallToolResult, *ListAllResult, error) {
		client, release, err := session.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		defer release()

		entries, err := client.ListAll(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ListAllResult{Documents: []DocumentEntry{}}

		for _, e := range entries {
			if !e.IsDocument() || !hasPathPrefix(e.Path, input.Prefix) {
				continue
			}

			doc := DocumentEntry{
				Path:      e.Path,
				Size:      e.Size,
				SizeHuman: humanize.Bytes(uint64(max(e.Size, 0))),
			}

			if !e.Modified.IsZero() {
				doc.Modified = e.Modified.UTC().Format("2006-01-02T15:04:05Z")
			}

			result.Documents = append(result.Documents, doc)
		}

		sort.Slice(result.Documents, func(i, j int) bool {
			return result.Documents[i].Path < result.Documents[j].Path
		})

		result.TotalDocuments = len(result.Documents)

		return textResult(result), result, nil
	}
}

// hasPathPrefix matches whole path segments so "Document/Pa" does not
// select "Document/Papers/a.pdf".
func hasPathPrefix(p, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return true
	}

	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func planHandler(syncer *docsync.Syncer) mcp.ToolHandlerFor[PlanInput, *PlanResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PlanInput) (*mcp.CallToolResult, *PlanResult, error) {
		mode := docsync.Mode(input.Mode)

		plan, err := syncer.Plan(ctx, mode, input.LocalFolder)
		if err != nil {
			return nil, nil, err
		}

		result := &PlanResult{
			Mode:      string(mode),
			Actions:   make([]PlanAction, 0, len(plan)),
			Uploads:   plan.Count(docsync.ActionUpload),
			Downloads: plan.Count(docsync.ActionDownload),
			Deletes:   plan.Count(docsync.ActionDeleteRemote) + plan.Count(docsync.ActionDeleteLocal),
			Skips:     plan.Count(docsync.ActionSkip),
		}

		for _, a := range plan {
			result.Actions = append(result.Actions, PlanAction{Type: string(a.Type), Key: string(a.Key)})
		}

		return textResult(result), result, nil
	}
}

type syncFunc func(ctx context.Context, localFolder string) (docsync.SyncReport, error)

func syncHandler(run syncFunc) mcp.ToolHandlerFor[SyncInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (*mcp.CallToolResult, *SyncResult, error) {
		report, err := run(ctx, input.LocalFolder)
		if err != nil {
			return nil, nil, err
		}

		result := &SyncResult{
			Mode:       string(report.Mode),
			Uploaded:   report.Uploaded,
			Downloaded: report.Downloaded,
			Deleted:    report.Deleted,
			Skipped:    report.Skipped,
			Total:      report.Total,
			Failures:   make([]FailureEntry, 0, len(report.Failures)),
			DurationMs: report.Duration.Milliseconds(),
		}

		for _, f := range report.Failures {
			result.Failures = append(result.Failures, FailureEntry{Key: string(f.Key), Reason: f.Reason})
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills in the structured output alongside it.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
