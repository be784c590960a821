// Package transport 把 gateway 的工具表挂到 MCP 服务上，通过 stdio 对外提供。
package transport

import (
	"context"
	"encoding/json"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlmcp/internal/gateway"
)

var transportLog = logrus.WithField("component", "transport")

// 序列化失败时的兜底响应
const marshalFailed = `{"ok":false,"error":{"kind":"Internal","message":"序列化失败","effect":"uncertain","retryable":false}}`

// Tools 工具路由（gateway.Gateway 实现）
type Tools interface {
	Tools() []*gateway.Tool
	Call(ctx context.Context, name string, raw json.RawMessage) gateway.Response
}

// Info initialize 返回的服务信息
type Info struct {
	Name         string
	Version      string
	Instructions string
}

// Server MCP 工具服务
type Server struct {
	mcp *server.MCPServer
}

// New 按 gateway 的工具表注册 MCP 工具
func New(tools Tools, info Info) *Server {
	opts := []server.ServerOption{server.WithToolCapabilities(false)}
	if info.Instructions != "" {
		opts = append(opts, server.WithInstructions(info.Instructions))
	}
	s := server.NewMCPServer(info.Name, info.Version, opts...)

	for _, t := range tools.Tools() {
		tool, err := describe(t)
		if err != nil {
			transportLog.WithError(err).WithField("tool", t.Name).Error("工具 schema 无效，跳过")
			continue
		}
		s.AddTool(tool, handler(tools, t.Name))
	}
	return &Server{mcp: s}
}

// MCP 底层的 MCP 服务，用于同进程客户端
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve 在 r/w 上提供 stdio 服务，直到 EOF 或 ctx 取消
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(transportLog.WriterLevel(logrus.ErrorLevel), "", 0))

	transportLog.Info("stdio 服务已启动")
	err := stdio.Listen(ctx, r, w)
	switch {
	case err == nil:
		transportLog.Info("stdin 已关闭")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errors.Wrap(err, "stdio 服务")
	}
}

func describe(t *gateway.Tool) (mcp.Tool, error) {
	schema, err := json.Marshal(t.InputSchema())
	if err != nil {
		return mcp.Tool{}, errors.Wrap(err, "序列化 schema")
	}
	tool := mcp.NewToolWithRawSchema(t.Name, t.Description, schema)
	tool.Annotations = mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(!t.Mutating),
		DestructiveHint: mcp.ToBoolPtr(t.Mutating),
		IdempotentHint:  mcp.ToBoolPtr(!t.Mutating),
		OpenWorldHint:   mcp.ToBoolPtr(true),
	}
	return tool, nil
}

func handler(tools Tools, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.Params.Arguments)
		if err != nil {
			return nil, errors.Wrap(err, "解析 arguments")
		}
		return result(name, tools.Call(ctx, name, raw)), nil
	}
}

// result 工具响应整体作为一段 JSON 文本返回，失败时 isError 为 true
func result(name string, resp gateway.Response) *mcp.CallToolResult {
	text, err := json.Marshal(resp)
	if err != nil {
		transportLog.WithError(err).WithField("tool", name).Error("序列化工具结果失败")
		text = []byte(marshalFailed)
		resp.OK = false
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(text))},
		IsError: !resp.OK,
	}
}
