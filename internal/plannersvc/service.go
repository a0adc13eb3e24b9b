package plannersvc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

// #region types
const (
	serviceName = "sips.planner.v1.Planner"
	planMethod  = "/" + serviceName + "/Plan"
)

// StateCodec converts domain states to and from protobuf Structs.
type StateCodec interface {
	EncodeState(s domain.State) (*structpb.Struct, error)
	DecodeState(pb *structpb.Struct) (domain.State, error)
}

// plannerServer is the handler type checked by grpc.RegisterService.
type plannerServer interface {
	Plan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*plannerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Plan", Handler: planHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sips/planner/v1/planner.proto",
}

func planHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(plannerServer).Plan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: planMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(plannerServer).Plan(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion types

// #region server
// Server exposes a domain.Planner over gRPC. Requests and responses are
// google.protobuf.Struct messages: {state, goal, budget} -> {actions}.
type Server struct {
	planner domain.Planner
	codec   StateCodec
	log     *zap.Logger
}

// NewServer wraps planner. The planner must be safe for concurrent use.
func NewServer(planner domain.Planner, codec StateCodec, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{planner: planner, codec: codec, log: log}
}

// Register adds the planner service to s.
func (srv *Server) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Plan handles one planner call. ErrNoPlan maps to codes.NotFound.
func (srv *Server) Plan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	st, err := srv.codec.DecodeState(fields["state"].GetStructValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "state: %v", err)
	}
	goal := domain.Goal(fields["goal"].GetStringValue())
	if goal == "" {
		return nil, status.Error(codes.InvalidArgument, "missing goal")
	}
	budget := int(fields["budget"].GetNumberValue())

	plan, err := srv.planner.Plan(ctx, st, goal, budget)
	switch {
	case errors.Is(err, domain.ErrNoPlan):
		return nil, status.Error(codes.NotFound, err.Error())
	case err != nil:
		srv.log.Warn("plan failed", zap.String("state", st.Key()), zap.String("goal", string(goal)), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	srv.log.Debug("planned", zap.String("state", st.Key()), zap.String("goal", string(goal)),
		zap.Int("budget", budget), zap.Int("len", len(plan)))

	actions := make([]any, len(plan))
	for i, a := range plan {
		actions[i] = string(a)
	}
	resp, err := structpb.NewStruct(map[string]any{"actions": actions})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// #endregion server

// #region client
// Client is a domain.Planner backed by a remote planner service. It is safe
// for concurrent use.
type Client struct {
	conn  grpc.ClientConnInterface
	close func() error
	codec StateCodec
}

// Dial connects to a planner service.
func Dial(addr string, codec StateCodec, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, close: conn.Close, codec: codec}, nil
}

// NewClientWithConn creates a Client over an existing connection.
func NewClientWithConn(conn grpc.ClientConnInterface, codec StateCodec) *Client {
	return &Client{conn: conn, close: func() error { return nil }, codec: codec}
}

// Close shuts down the connection when the client owns it.
func (c *Client) Close() error {
	return c.close()
}

// Plan implements domain.Planner.
func (c *Client) Plan(ctx context.Context, s domain.State, g domain.Goal, budget int) (domain.Plan, error) {
	st, err := c.codec.EncodeState(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"state":  structpb.NewStructValue(st),
		"goal":   structpb.NewStringValue(string(g)),
		"budget": structpb.NewNumberValue(float64(budget)),
	}}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, planMethod, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("remote %s -> %s: %w", s.Key(), g, domain.ErrNoPlan)
		}
		return nil, fmt.Errorf("plan rpc: %w", err)
	}

	values := resp.GetFields()["actions"].GetListValue().GetValues()
	plan := make(domain.Plan, len(values))
	for i, v := range values {
		plan[i] = domain.Action(v.GetStringValue())
	}
	return plan, nil
}

// #endregion client
