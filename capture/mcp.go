package capture

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagekeep/kit"
)

// NewMCPServer returns an MCP server with the pagekeep tools registered.
func (s *Service) NewMCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "pagekeep", Version: "0.1.0"}, nil)
	s.RegisterMCP(srv)
	return srv
}

// RegisterMCP registers pagekeep tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCaptureTool(srv)
	s.registerGetSnapshotTool(srv)
	s.registerListSnapshotsTool(srv)
	s.registerDeleteSnapshotTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// contentURL is where a snapshot is served, absolute when public_url is set.
func (s *Service) contentURL(id string) string {
	return strings.TrimRight(s.config.PublicURL, "/") + "/content/" + id
}

// mcpClientHeader carries the client address from the HTTP layer to tool
// calls. stampClient overwrites whatever the client sent.
const mcpClientHeader = "X-Pagekeep-Client"

func (s *Service) stampClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set(mcpClientHeader, s.limiter.Proxies.ClientIP(r))
		next.ServeHTTP(w, r)
	})
}

// mcpClientAddr is the rate limit key of a tool call. Sessions without an
// HTTP request behind them share one bucket.
func mcpClientAddr(req *mcp.CallToolRequest) string {
	if req.Extra != nil && req.Extra.Header != nil {
		if addr := req.Extra.Header.Get(mcpClientHeader); addr != "" {
			return addr
		}
	}
	return "mcp"
}

func (s *Service) wrap(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Logging(s.logger, name)(ep)
}

// --- capture ---

type captureReq struct {
	URL string `json:"url"`
}

type captureResp struct {
	*Result
	ContentURL string `json:"content_url"`
}

func (s *Service) registerCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagekeep_capture",
		Description: "Render a web page in headless Chrome and store it as a self-contained snapshot. Returns the capture id and the URL the snapshot is served at.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to capture"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureReq)
		if !s.limiter.Allow(kit.GetRemoteAddr(ctx)) {
			return nil, ErrRateLimited
		}
		res, err := s.Capture(ctx, r.URL)
		if err != nil {
			return nil, err
		}
		return captureResp{Result: res, ContentURL: s.contentURL(res.ID)}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r captureReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		addr := mcpClientAddr(req)
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithRemoteAddr(ctx, addr) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap("pagekeep_capture", endpoint), decode)
}

// --- get_snapshot ---

type snapshotReq struct {
	CaptureID string `json:"capture_id"`
}

type snapshotView struct {
	ID          string    `json:"captureId"`
	OriginalURL string    `json:"original_url"`
	FinalURL    string    `json:"final_url"`
	Title       string    `json:"title"`
	Partial     bool      `json:"partial"`
	HTMLSize    int       `json:"html_size"`
	CreatedAt   time.Time `json:"created_at"`
	Assets      []string  `json:"assets"`
	ContentURL  string    `json:"content_url"`
}

func (s *Service) registerGetSnapshotTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagekeep_get_snapshot",
		Description: "Get a snapshot's metadata and the asset URLs it references. The document itself is served at content_url.",
		InputSchema: inputSchema(map[string]any{
			"capture_id": map[string]any{"type": "string", "description": "Capture id returned by pagekeep_capture"},
		}, []string{"capture_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*snapshotReq)
		snap, err := s.store.Get(ctx, r.CaptureID)
		if err != nil {
			return nil, err
		}
		return snapshotView{
			ID:          snap.ID,
			OriginalURL: snap.OriginalURL,
			FinalURL:    snap.FinalURL,
			Title:       snap.Title,
			Partial:     snap.Partial,
			HTMLSize:    len(snap.HTML),
			CreatedAt:   snap.CreatedAt,
			Assets:      snap.Assets,
			ContentURL:  s.contentURL(snap.ID),
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r snapshotReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.CaptureID == "" {
			return nil, fmt.Errorf("capture_id is required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap("pagekeep_get_snapshot", endpoint), decode)
}

// --- list_snapshots ---

type listReq struct {
	Limit int `json:"limit"`
}

func (s *Service) registerListSnapshotsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagekeep_list_snapshots",
		Description: "List stored snapshots, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum entries (default 100)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listReq)
		list, err := s.List(ctx, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"snapshots": list, "count": len(list)}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := kit.DecodeArgs[listReq](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap("pagekeep_list_snapshots", endpoint), decode)
}

// --- delete_snapshot ---

func (s *Service) registerDeleteSnapshotTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagekeep_delete_snapshot",
		Description: "Delete a snapshot. Its content and asset URLs stop resolving.",
		InputSchema: inputSchema(map[string]any{
			"capture_id": map[string]any{"type": "string", "description": "Capture id to delete"},
		}, []string{"capture_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*snapshotReq)
		ok, err := s.Delete(ctx, r.CaptureID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": ok, "captureId": r.CaptureID}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r snapshotReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.CaptureID == "" {
			return nil, fmt.Errorf("capture_id is required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap("pagekeep_delete_snapshot", endpoint), decode)
}
