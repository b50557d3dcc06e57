// Package grpc exposes the administrative surface of a cluster over gRPC.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/arya-analytics/hadb"
	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "hadb.v1.AdminService"

// |||||| CODES ||||||

type sentinel struct {
	err    error
	code   codes.Code
	reason string
}

// sentinels are matched in order, so marked errors must precede their marks.
var sentinels = []sentinel{
	{hadb.ErrNodeNotFound, codes.NotFound, "node_not_found"},
	{hadb.ErrUnknownPolicy, codes.InvalidArgument, "unknown_policy"},
	{hadb.ErrUnknownStrategy, codes.InvalidArgument, "unknown_strategy"},
	{hadb.ErrUnknownInvocation, codes.InvalidArgument, "unknown_invocation"},
	{hadb.ErrSyncInProgress, codes.Aborted, "sync_in_progress"},
	{hadb.ErrNoSyncSource, codes.FailedPrecondition, "no_sync_source"},
	{hadb.ErrSync, codes.Unavailable, "sync_failed"},
	{hadb.ErrClosed, codes.Unavailable, "closed"},
}

func encodeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			st, derr := status.New(s.code, err.Error()).WithDetails(wrapperspb.String(s.reason))
			if derr != nil {
				return status.Error(s.code, err.Error())
			}
			return st.Err()
		}
	}
	return status.Error(codes.Internal, err.Error())
}

func decodeError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		reason, ok := d.(*wrapperspb.StringValue)
		if !ok {
			continue
		}
		for _, s := range sentinels {
			if s.reason == reason.GetValue() {
				return errors.Mark(errors.New(st.Message()), s.err)
			}
		}
	}
	switch st.Code() {
	case codes.Canceled:
		return errors.Mark(errors.New(st.Message()), context.Canceled)
	case codes.DeadlineExceeded:
		return errors.Mark(errors.New(st.Message()), context.DeadlineExceeded)
	}
	return err
}

// |||||| SERVER ||||||

// Server implements the AdminService by delegating to an hadb.Admin.
type Server struct {
	Admin hadb.Admin
}

// Register registers the AdminService on s.
func (s *Server) Register(gs *grpc.Server) { gs.RegisterService(&serviceDesc, s) }

// Serve serves the AdminService on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.Register(gs)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) listNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	statuses, err := s.Admin.Nodes(ctx)
	if err != nil {
		return nil, encodeError(err)
	}
	return translateStatusesBackward(statuses)
}

func (s *Server) deactivate(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, encodeError(s.Admin.Deactivate(ctx, hadb.NodeID(req.GetValue())))
}

func (s *Server) activate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	id := hadb.NodeID(fields["id"].GetStringValue())
	strategy := fields["strategy"].GetStringValue()
	return &emptypb.Empty{}, encodeError(s.Admin.Activate(ctx, id, strategy))
}

func (s *Server) setBalancer(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, encodeError(s.Admin.SetBalancer(ctx, req.GetValue()))
}

func (s *Server) recover(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	found, err := s.Admin.Recover(ctx)
	if err != nil && !errors.Is(err, hadb.ErrInconsistentDurability) {
		return nil, encodeError(err)
	}
	return translateInconsistenciesBackward(found)
}

// |||||| CLIENT ||||||

// Client implements hadb.Admin against a remote AdminService.
type Client struct {
	conn grpc.ClientConnInterface
}

var _ hadb.Admin = (*Client)(nil)

// NewClient returns a client that issues calls over conn.
func NewClient(conn grpc.ClientConnInterface) *Client { return &Client{conn: conn} }

// Dial returns a client for the AdminService at target, along with the underlying
// connection, which the caller must close. Connections are insecure unless opts
// say otherwise.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, res any) error {
	return decodeError(c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, res))
}

// Nodes implements hadb.Admin.
func (c *Client) Nodes(ctx context.Context) ([]hadb.NodeStatus, error) {
	res := &structpb.ListValue{}
	if err := c.invoke(ctx, "ListNodes", &emptypb.Empty{}, res); err != nil {
		return nil, err
	}
	return translateStatusesForward(res)
}

// Deactivate implements hadb.Admin.
func (c *Client) Deactivate(ctx context.Context, id hadb.NodeID) error {
	return c.invoke(ctx, "Deactivate", wrapperspb.String(string(id)), &emptypb.Empty{})
}

// Activate implements hadb.Admin.
func (c *Client) Activate(ctx context.Context, id hadb.NodeID, strategy string) error {
	req, err := structpb.NewStruct(map[string]any{"id": string(id), "strategy": strategy})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Activate", req, &emptypb.Empty{})
}

// SetBalancer implements hadb.Admin.
func (c *Client) SetBalancer(ctx context.Context, policy string) error {
	return c.invoke(ctx, "SetBalancer", wrapperspb.String(policy), &emptypb.Empty{})
}

// Recover implements hadb.Admin.
func (c *Client) Recover(ctx context.Context) ([]hadb.Inconsistency, error) {
	res := &structpb.ListValue{}
	if err := c.invoke(ctx, "Recover", &emptypb.Empty{}, res); err != nil {
		return nil, err
	}
	found := translateInconsistenciesForward(res)
	if len(found) > 0 {
		return found, errors.Mark(
			errors.Newf("%d transactions with divergent outcomes", len(found)),
			hadb.ErrInconsistentDurability,
		)
	}
	return found, nil
}

// |||||| TRANSLATION ||||||

func translateStatusesBackward(statuses []hadb.NodeStatus) (*structpb.ListValue, error) {
	values := make([]any, len(statuses))
	for i, s := range statuses {
		values[i] = map[string]any{
			"id":       string(s.ID),
			"location": s.Location,
			"weight":   s.Weight,
			"active":   s.Active,
			"dirty":    s.Dirty,
			"since":    s.Since.Format(time.RFC3339Nano),
			"reason":   s.Reason,
		}
	}
	return structpb.NewList(values)
}

func translateStatusesForward(msg *structpb.ListValue) ([]hadb.NodeStatus, error) {
	statuses := make([]hadb.NodeStatus, 0, len(msg.GetValues()))
	for _, v := range msg.GetValues() {
		f := v.GetStructValue().GetFields()
		since, err := time.Parse(time.RFC3339Nano, f["since"].GetStringValue())
		if err != nil {
			return nil, errors.Wrap(err, "decode node status")
		}
		statuses = append(statuses, hadb.NodeStatus{
			ID:       hadb.NodeID(f["id"].GetStringValue()),
			Location: f["location"].GetStringValue(),
			Weight:   int(f["weight"].GetNumberValue()),
			Active:   f["active"].GetBoolValue(),
			Dirty:    f["dirty"].GetBoolValue(),
			Since:    since,
			Reason:   f["reason"].GetStringValue(),
		})
	}
	return statuses, nil
}

func translateInconsistenciesBackward(found []hadb.Inconsistency) (*structpb.ListValue, error) {
	values := make([]any, len(found))
	for i, inc := range found {
		values[i] = map[string]any{
			"transaction":  inc.Transaction,
			"divergent":    idsBackward(inc.Divergent),
			"participants": idsBackward(inc.Record.Participants),
			"durable_on":   idsBackward(inc.Record.DurableOn),
		}
	}
	return structpb.NewList(values)
}

func translateInconsistenciesForward(msg *structpb.ListValue) []hadb.Inconsistency {
	found := make([]hadb.Inconsistency, 0, len(msg.GetValues()))
	for _, v := range msg.GetValues() {
		f := v.GetStructValue().GetFields()
		inc := hadb.Inconsistency{
			Transaction: f["transaction"].GetStringValue(),
			Divergent:   idsForward(f["divergent"]),
		}
		inc.Record.ID = inc.Transaction
		inc.Record.Participants = idsForward(f["participants"])
		inc.Record.DurableOn = idsForward(f["durable_on"])
		found = append(found, inc)
	}
	return found
}

func idsBackward(ids []hadb.NodeID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func idsForward(v *structpb.Value) []hadb.NodeID {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	ids := make([]hadb.NodeID, len(values))
	for i, e := range values {
		ids[i] = hadb.NodeID(e.GetStringValue())
	}
	return ids
}

// |||||| SERVICE ||||||

func unary[Req, Res any](
	method string,
	newReq func() *Req,
	handle func(*Server, context.Context, *Req) (*Res, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return handle(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return handle(s, ctx, req.(*Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }

func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListNodes", newEmpty, (*Server).listNodes),
		unary("Deactivate", newString, (*Server).deactivate),
		unary("Activate", func() *structpb.Struct { return &structpb.Struct{} }, (*Server).activate),
		unary("SetBalancer", newString, (*Server).setBalancer),
		unary("Recover", newEmpty, (*Server).recover),
	},
	// Relative to transport/grpc/proto.
	Metadata: "hadb/v1/admin.proto",
}
