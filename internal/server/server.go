package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/c-atts/catts-app/internal/chainconfig"
	"github.com/c-atts/catts-app/internal/controller"
	"github.com/c-atts/catts-app/internal/recipe"
	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "catts.engine.v1.RunService"

// Runs is the subset of run.Service exposed over RPC.
type Runs interface {
	Create(ctx context.Context, recipeID types.RecipeID, chainID uint64, creator common.Address) (*types.Run, error)
	CancelFor(ctx context.Context, caller common.Address, id types.RunID) (*types.Run, error)
	RegisterPaymentFor(ctx context.Context, caller common.Address, id types.RunID, txHash string, block uint64) (*types.Run, error)
	Get(ctx context.Context, id types.RunID) (*types.Run, error)
	ListForCreator(ctx context.Context, creator common.Address) ([]*types.Run, error)
}

// StatusSource reports engine status.
type StatusSource interface {
	GetStatus(ctx context.Context) controller.Status
}

// LogSource returns the most recent log records, oldest first.
type LogSource interface {
	Entries() []controller.LogEntry
}

// RunServiceServer is the server API for RunService. Messages are
// google.protobuf.Struct so no generated code is needed.
type RunServiceServer interface {
	CreateRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements the gRPC server for RunService.
type Server struct {
	runs   Runs
	status StatusSource
	logs   LogSource
}

// NewServer creates a new RunService implementation. logs may be nil.
func NewServer(runs Runs, st StatusSource, logs LogSource) *Server {
	return &Server{runs: runs, status: st, logs: logs}
}

// CreateRun handles {recipe_id, chain_id, signature}. The signer becomes
// the run creator.
func (s *Server) CreateRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	recipeID, err := types.ParseRecipeID(stringField(req, "recipe_id"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "recipe_id: %v", err)
	}
	chainID, err := uintField(req, "chain_id")
	if err != nil {
		return nil, err
	}
	creator, err := callerField(req, CreateRunMessage(stringField(req, "recipe_id"), chainID))
	if err != nil {
		return nil, err
	}

	r, err := s.runs.Create(ctx, recipeID, chainID, creator)
	if err != nil {
		return nil, toStatus(err)
	}
	return runStruct(r)
}

// CancelRun handles {run_id, signature}.
func (s *Server) CancelRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := runIDField(req)
	if err != nil {
		return nil, err
	}
	caller, err := callerField(req, CancelRunMessage(stringField(req, "run_id")))
	if err != nil {
		return nil, err
	}
	r, err := s.runs.CancelFor(ctx, caller, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return runStruct(r)
}

// RegisterPayment handles {run_id, transaction_hash, block_to_process, signature}.
// The signature covers the run id and the transaction hash.
func (s *Server) RegisterPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := runIDField(req)
	if err != nil {
		return nil, err
	}
	caller, err := callerField(req, RegisterPaymentMessage(stringField(req, "run_id"), stringField(req, "transaction_hash")))
	if err != nil {
		return nil, err
	}
	block, err := uintField(req, "block_to_process")
	if err != nil {
		return nil, err
	}
	r, err := s.runs.RegisterPaymentFor(ctx, caller, id, stringField(req, "transaction_hash"), block)
	if err != nil {
		return nil, toStatus(err)
	}
	return runStruct(r)
}

// GetRun handles {run_id}.
func (s *Server) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := runIDField(req)
	if err != nil {
		return nil, err
	}
	r, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return runStruct(r)
}

// ListRuns handles {creator} and returns {runs: [...]}, newest first.
func (s *Server) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	creator, err := addressField(req, "creator")
	if err != nil {
		return nil, err
	}
	runs, err := s.runs.ListForCreator(ctx, creator)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]interface{}, 0, len(runs))
	for _, r := range runs {
		list = append(list, runMap(r))
	}
	return newStruct(map[string]interface{}{"runs": list})
}

// Status returns scheduler and signer status.
func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.status == nil {
		return nil, status.Error(codes.Unavailable, "status not available")
	}
	st := s.status.GetStatus(ctx)
	chains := make([]interface{}, 0, len(st.Chains))
	for _, c := range st.Chains {
		chains = append(chains, float64(c))
	}
	return newStruct(map[string]interface{}{
		"uptime":         st.Uptime.Round(time.Second).String(),
		"workers":        float64(st.Workers),
		"signer_address": st.SignerAddress,
		"chains":         chains,
		"scheduler": map[string]interface{}{
			"queued":     float64(st.Scheduler.Queued),
			"dispatched": float64(st.Scheduler.Dispatched),
			"succeeded":  float64(st.Scheduler.Succeeded),
			"retried":    float64(st.Scheduler.Retried),
			"cancelled":  float64(st.Scheduler.Cancelled),
			"exhausted":  float64(st.Scheduler.Exhausted),
		},
	})
}

// Logs handles {limit?} and returns {entries: [...]}, oldest first. limit
// keeps only the newest entries.
func (s *Server) Logs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.logs == nil {
		return nil, status.Error(codes.Unavailable, "logs not available")
	}
	entries := s.logs.Entries()
	if _, ok := req.GetFields()["limit"]; ok {
		limit, err := uintField(req, "limit")
		if err != nil {
			return nil, err
		}
		if limit < uint64(len(entries)) {
			entries = entries[len(entries)-int(limit):]
		}
	}

	list := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		attrs := make(map[string]interface{}, len(e.Attrs))
		for k, v := range e.Attrs {
			attrs[k] = v
		}
		list = append(list, map[string]interface{}{
			"timestamp": e.Time.UTC().Format(time.RFC3339Nano),
			"level":     e.Level.String(),
			"message":   e.Message,
			"attrs":     attrs,
		})
	}
	return newStruct(map[string]interface{}{"entries": list})
}

// ============================================================================
// Service registration
// ============================================================================

func unaryMethod(name string, call func(RunServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(RunServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(impl, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes RunService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateRun", RunServiceServer.CreateRun),
		unaryMethod("CancelRun", RunServiceServer.CancelRun),
		unaryMethod("RegisterPayment", RunServiceServer.RegisterPayment),
		unaryMethod("GetRun", RunServiceServer.GetRun),
		unaryMethod("ListRuns", RunServiceServer.ListRuns),
		unaryMethod("Status", RunServiceServer.Status),
		unaryMethod("Logs", RunServiceServer.Logs),
	},
	Streams: []grpc.StreamDesc{},
}

// NewGRPCServer returns a grpc.Server with RunService registered and
// request logging installed.
func NewGRPCServer(srv RunServiceServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(slog.With("component", "grpc"))))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, srv)
	return gs
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("RPC failed", "method", info.FullMethod, "code", code, "duration", time.Since(start), "error", err)
		} else {
			logger.Debug("RPC handled", "method", info.FullMethod, "code", code, "duration", time.Since(start))
		}
		return resp, err
	}
}

// ============================================================================
// Helpers
// ============================================================================

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, run.ErrNotFound), errors.Is(err, recipe.ErrRecipeNotFound):
		code = codes.NotFound
	case errors.Is(err, chainconfig.ErrUnsupportedChain), errors.Is(err, run.ErrInvalidTxHash):
		code = codes.InvalidArgument
	case errors.Is(err, run.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, run.ErrAlreadyPaid):
		code = codes.AlreadyExists
	case errors.Is(err, run.ErrCantBeCancelled), errors.Is(err, run.ErrCancelled), errors.Is(err, run.ErrNoRecipeGas):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func runIDField(req *structpb.Struct) (types.RunID, error) {
	id, err := types.ParseRunID(stringField(req, "run_id"))
	if err != nil {
		return id, status.Errorf(codes.InvalidArgument, "run_id: %v", err)
	}
	return id, nil
}

func addressField(req *structpb.Struct, name string) (common.Address, error) {
	s := stringField(req, name)
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

// uintField accepts a JSON number or a decimal string.
func uintField(req *structpb.Struct, name string) (uint64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s: missing", name)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n < 0 || n != math.Trunc(n) || n > 1<<53 {
			return 0, status.Errorf(codes.InvalidArgument, "%s: not an unsigned integer", name)
		}
		return uint64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s: not an unsigned integer", name)
	}
}

// runMap renders a Run. Wei amounts and the nanosecond timestamp are
// decimal strings; float64 cannot hold them exactly.
func runMap(r *types.Run) map[string]interface{} {
	m := map[string]interface{}{
		"id":           r.ID.String(),
		"recipe_id":    r.RecipeID.String(),
		"creator":      r.Creator.Hex(),
		"created":      strconv.FormatInt(r.Created, 10),
		"chain_id":     float64(r.ChainID),
		"status":       r.Status().String(),
		"is_cancelled": r.IsCancelled,
	}
	setBig(m, "gas", r.Gas)
	setBig(m, "base_fee_per_gas", r.BaseFeePerGas)
	setBig(m, "max_priority_fee_per_gas", r.MaxPriorityFeePerGas)
	setBig(m, "user_fee", r.UserFee)
	setString(m, "payment_transaction_hash", r.PaymentTransactionHash)
	setUint(m, "payment_block_number", r.PaymentBlockNumber)
	setUint(m, "payment_log_index", r.PaymentLogIndex)
	if r.PaymentVerifiedStatus != nil {
		m["payment_verified_status"] = string(*r.PaymentVerifiedStatus)
	}
	setString(m, "attestation_transaction_hash", r.AttestationTransactionHash)
	setString(m, "attestation_uid", r.AttestationUID)
	setString(m, "error", r.Error)
	return m
}

func runStruct(r *types.Run) (*structpb.Struct, error) {
	return newStruct(runMap(r))
}

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func setBig(m map[string]interface{}, name string, v *big.Int) {
	if v != nil {
		m[name] = v.String()
	}
}

func setString(m map[string]interface{}, name string, v *string) {
	if v != nil {
		m[name] = *v
	}
}

func setUint(m map[string]interface{}, name string, v *uint64) {
	if v != nil {
		m[name] = strconv.FormatUint(*v, 10)
	}
}
