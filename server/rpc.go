package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/persistence"
)

// RPCServer exposes the test service as JSON-RPC 2.0 with Content-Length
// framing, the same codec editors speak.
type RPCServer struct {
	Service *Service
	Logger  *zap.Logger
}

// TestIDParams names one test.
type TestIDParams struct {
	ID string `json:"id"`
}

// ListParams filters tests.list.
type ListParams struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ToolCallParams is a raw engine call.
type ToolCallParams struct {
	Tool   string          `json:"tool"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rwc joins separate read and write halves into a stream.
type rwc struct {
	io.Reader
	io.Writer
}

func (c rwc) Close() error {
	var err error
	if closer, ok := c.Reader.(io.Closer); ok {
		err = closer.Close()
	}
	if closer, ok := c.Writer.(io.Closer); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Serve answers requests read from in until the peer disconnects or ctx
// ends.
func (s *RPCServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stream := jsonrpc2.NewBufferedStream(rwc{Reader: in, Writer: out}, jsonrpc2.VSCodeObjectCodec{})
	handler := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle))
	conn := jsonrpc2.NewConn(ctx, stream, handler)
	s.logger().Info("json-rpc session started")
	select {
	case <-conn.DisconnectNotify():
		s.logger().Info("json-rpc peer disconnected")
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

func (s *RPCServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *RPCServer) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	s.logger().Debug("rpc request", zap.String("method", req.Method))
	switch req.Method {
	case "tests.run", "tests.submit":
		var params RunRequest
		if err := decodeRPCParams(req, &params); err != nil {
			return nil, err
		}
		if req.Method == "tests.submit" {
			return rpcResult(s.Service.Submit(ctx, params))
		}
		return rpcResult(s.Service.Run(ctx, params))
	case "tests.get":
		var params TestIDParams
		if err := decodeRPCParams(req, &params); err != nil {
			return nil, err
		}
		return rpcResult(s.Service.Result(ctx, params.ID))
	case "tests.list":
		var params ListParams
		if err := decodeRPCParams(req, &params); err != nil {
			return nil, err
		}
		results, err := s.Service.Results(ctx, persistence.ListOptions{
			TestType: params.Type,
			Status:   persistence.ResultStatus(params.Status),
			Limit:    params.Limit,
		})
		if results == nil {
			results = []persistence.TestResult{}
		}
		return rpcResult(results, err)
	case "tests.cancel":
		var params TestIDParams
		if err := decodeRPCParams(req, &params); err != nil {
			return nil, err
		}
		if err := s.Service.Cancel(ctx, params.ID); err != nil {
			return nil, rpcError(err)
		}
		return map[string]string{"id": params.ID, "status": string(persistence.ResultStatusCancelled)}, nil
	case "tools.call":
		var params ToolCallParams
		if err := decodeRPCParams(req, &params); err != nil {
			return nil, err
		}
		return rpcResult(s.Service.Call(ctx, params.Tool, params.Method, params.Params))
	case "tools.check":
		return s.Service.Check(ctx), nil
	case "processes.list":
		return s.Service.Processes(), nil
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method %q not handled", req.Method)}
	}
}

func decodeRPCParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return nil
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func rpcResult(v any, err error) (any, error) {
	if err != nil {
		return nil, rpcError(err)
	}
	return v, nil
}

// rpcError keeps the message and marks lookups and bad input as invalid
// params.
func rpcError(err error) error {
	code := int64(jsonrpc2.CodeInternalError)
	if errors.Is(err, persistence.ErrResultNotFound) || errors.Is(err, ErrUnknownTestType) || errors.Is(err, persistence.ErrInvalidTransition) {
		code = jsonrpc2.CodeInvalidParams
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}
