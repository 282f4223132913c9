package tools

import (
	"context"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
)

// Engine kinds understood by the facade.
const (
	KindLoad    = "k6"
	KindAudit   = "lighthouse"
	KindBrowser = "playwright"
)

// Kinds lists every engine kind in a stable order.
func Kinds() []string {
	return []string{KindLoad, KindAudit, KindBrowser}
}

// ToolClient is the uniform contract over one testing engine.
type ToolClient interface {
	Name() string
	Initialize(ctx context.Context) error
	CallTool(ctx context.Context, method string, params any) (*framework.CommandResult, error)
	Close(ctx context.Context) error
}

// Runner is the slice of the supervisor a ProcessClient needs.
type Runner interface {
	StartOwnedServer(ctx context.Context, cfg framework.ServerConfig, owner string) (string, error)
	ExecuteCommand(ctx context.Context, processID, method string, params any) (*framework.CommandResult, error)
	StopServer(ctx context.Context, processID string) bool
	GetServerStatus(processID string) (supervisor.Status, bool)
}

var _ Runner = (*supervisor.Supervisor)(nil)
