// Package rpc exposes the Concurrency Facade over gRPC for admin/bench
// clients (spec.md §4.8's operations, reachable remotely). The teacher
// generates typed request/response messages from a proto package that
// isn't part of this retrieval pack (github.com/nainya/treestore/proto),
// so this service is framed over google.golang.org/protobuf's
// structpb.Struct instead: the same wire-level protobuf/grpc stack, with
// a schema-free payload in place of the missing generated types.
package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/concurrency"
	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
)

// Service implements the admin-surface RPC methods over a single
// Concurrency Facade instance.
type Service struct {
	facade  *concurrency.Facade
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewService builds a Service over an already-constructed Facade.
func NewService(f *concurrency.Facade, m *metrics.Metrics) *Service {
	return &Service{facade: f, metrics: m, log: logger.Global().Component("rpc")}
}

func structField(s *structpb.Struct, key string) (*structpb.Value, bool) {
	if s == nil || s.Fields == nil {
		return nil, false
	}
	v, ok := s.Fields[key]
	return v, ok
}

func requireTxID(req *structpb.Struct) (common.TxID, error) {
	v, ok := structField(req, "tx_id")
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "tx_id is required")
	}
	return common.TxID(uint64(v.GetNumberValue())), nil
}

func requireRowID(req *structpb.Struct) (uint64, error) {
	v, ok := structField(req, "row_id")
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "row_id is required")
	}
	return uint64(v.GetNumberValue()), nil
}

func isolationFromRequest(req *structpb.Struct) common.IsolationLevel {
	v, ok := structField(req, "isolation")
	if !ok {
		return common.ReadCommitted
	}
	switch v.GetStringValue() {
	case "read_uncommitted":
		return common.ReadUncommitted
	case "repeatable_read":
		return common.RepeatableRead
	case "serializable":
		return common.Serializable
	default:
		return common.ReadCommitted
	}
}

func toStruct(fields map[string]interface{}) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		// Only occurs for unsupported Go types; every caller here passes
		// strings, numbers, and bools, so this is unreachable in practice.
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return s
}

func errToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case common.IsKind(err, common.KindNotFound):
		return status.Error(codes.NotFound, err.Error())
	case common.IsKind(err, common.KindDeadlock):
		return status.Error(codes.Aborted, err.Error())
	case common.IsKind(err, common.KindTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case common.IsKind(err, common.KindConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case common.IsKind(err, common.KindValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Begin starts a transaction and returns its id and snapshot timestamp.
func (s *Service) Begin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, snap, err := s.facade.Begin(isolationFromRequest(req))
	if err != nil {
		return nil, errToStatus(err)
	}
	return toStruct(map[string]interface{}{
		"tx_id":    float64(tx),
		"snapshot": float64(snap),
	}), nil
}

// Read returns the value visible to tx for row_id.
func (s *Service) Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := requireTxID(req)
	if err != nil {
		return nil, err
	}
	rowID, err := requireRowID(req)
	if err != nil {
		return nil, err
	}
	data, err := s.facade.Read(tx, rowID)
	if err != nil {
		return nil, errToStatus(err)
	}
	return toStruct(map[string]interface{}{"data": string(data)}), nil
}

// Write creates a new version of row_id holding data.
func (s *Service) Write(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := requireTxID(req)
	if err != nil {
		return nil, err
	}
	rowID, err := requireRowID(req)
	if err != nil {
		return nil, err
	}
	v, ok := structField(req, "data")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "data is required")
	}
	if err := s.facade.Write(tx, rowID, []byte(v.GetStringValue())); err != nil {
		return nil, errToStatus(err)
	}
	return toStruct(map[string]interface{}{"ok": true}), nil
}

// Delete logically removes row_id as of tx.
func (s *Service) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := requireTxID(req)
	if err != nil {
		return nil, err
	}
	rowID, err := requireRowID(req)
	if err != nil {
		return nil, err
	}
	if err := s.facade.Delete(tx, rowID); err != nil {
		return nil, errToStatus(err)
	}
	return toStruct(map[string]interface{}{"ok": true}), nil
}

// Commit commits tx.
func (s *Service) Commit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := requireTxID(req)
	if err != nil {
		return nil, err
	}
	if err := s.facade.Commit(tx); err != nil {
		return nil, errToStatus(err)
	}
	return toStruct(map[string]interface{}{"ok": true}), nil
}

// Abort aborts tx.
func (s *Service) Abort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := requireTxID(req)
	if err != nil {
		return nil, err
	}
	if err := s.facade.Abort(tx); err != nil {
		return nil, errToStatus(err)
	}
	return toStruct(map[string]interface{}{"ok": true}), nil
}

// Vacuum reclaims superseded row versions and returns the count removed.
func (s *Service) Vacuum(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n := s.facade.Vacuum()
	return toStruct(map[string]interface{}{"reclaimed": float64(n)}), nil
}

// ServiceDesc is the hand-built grpc.ServiceDesc in place of one a .proto
// compiler would generate (see package doc).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "reldb.v1.StorageService",
	HandlerType: (*interface{})(nil),
	Metadata:    "reldb/storage.proto",
}

// serverHandlerType satisfies grpc.ServiceDesc.HandlerType's contract: grpc
// checks the registered implementation against this interface via
// reflection, so it must be an interface, not the concrete *Service type
// a hand-built ServiceDesc might otherwise point HandlerType at.
type serverHandlerType interface{}

// Register builds a ServiceDesc bound to svc's methods and registers it
// against server. Done at Register time (rather than on the package-level
// var) because grpc.MethodDesc handlers close over the concrete svc.
func Register(server *grpc.Server, svc *Service) {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceDesc.ServiceName,
		HandlerType: (*serverHandlerType)(nil),
		Metadata:    ServiceDesc.Metadata,
		Methods: []grpc.MethodDesc{
			{MethodName: "Begin", Handler: methodHandler("Begin", svc.Begin)},
			{MethodName: "Read", Handler: methodHandler("Read", svc.Read)},
			{MethodName: "Write", Handler: methodHandler("Write", svc.Write)},
			{MethodName: "Delete", Handler: methodHandler("Delete", svc.Delete)},
			{MethodName: "Commit", Handler: methodHandler("Commit", svc.Commit)},
			{MethodName: "Abort", Handler: methodHandler("Abort", svc.Abort)},
			{MethodName: "Vacuum", Handler: methodHandler("Vacuum", svc.Vacuum)},
		},
	}
	server.RegisterService(&desc, svc)
}

func methodHandler(name string, fn func(context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := fmt.Sprintf("/%s/%s", ServiceDesc.ServiceName, name)
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, req.(*structpb.Struct))
		})
	}
}
