// Package intake receives intent proposals from the signal generator over
// gRPC and buffers them per (account, broker) until the owning execution
// loop pulls them.
package intake

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"execution-core/internal/capability"
	"execution-core/internal/order"
	"execution-core/pkg/logger"
)

const (
	ServiceName     = "execcore.v1.IntentIntake"
	proposeMethod   = "ProposeIntent"
	defaultCapacity = 128
)

// IntakeServer is the service implementation registered with grpc.
type IntakeServer interface {
	ProposeIntent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func proposeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntakeServer).ProposeIntent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + proposeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntakeServer).ProposeIntent(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes execcore.v1.IntentIntake.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IntakeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: proposeMethod, Handler: proposeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "execcore/v1/intake.proto",
}

type key struct{ account, broker string }

// Server buffers proposals. Only registered (account, broker) pairs are
// accepted.
type Server struct {
	capacity int
	log      *zap.Logger

	mu      sync.Mutex
	inboxes map[key][]order.Proposal
	dropped int

	grpc *grpc.Server
}

// NewServer creates an intake with capacity proposals per inbox.
func NewServer(capacity int) *Server {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Server{
		capacity: capacity,
		log:      logger.Named("intake"),
		inboxes:  make(map[key][]order.Proposal),
	}
}

// Register opens the inbox of (account, broker).
func (s *Server) Register(account, brokerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{account, brokerID}
	if _, ok := s.inboxes[k]; !ok {
		s.inboxes[k] = make([]order.Proposal, 0, s.capacity)
	}
}

// Offer buffers one proposal.
func (s *Server) Offer(p order.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{p.Account, p.Broker}
	box, ok := s.inboxes[k]
	if !ok {
		return status.Errorf(codes.NotFound, "no execution loop for %s/%s", p.Account, p.Broker)
	}
	if len(box) >= s.capacity {
		s.dropped++
		return status.Errorf(codes.ResourceExhausted, "inbox %s/%s full", p.Account, p.Broker)
	}
	s.inboxes[k] = append(box, p)
	return nil
}

// Pull hands up to max proposals to the loop of (account, broker), oldest
// first.
func (s *Server) Pull(account, brokerID string, max int) []order.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{account, brokerID}
	box := s.inboxes[k]
	if len(box) == 0 || max <= 0 {
		return nil
	}
	if max > len(box) {
		max = len(box)
	}
	out := make([]order.Proposal, max)
	copy(out, box)
	s.inboxes[k] = append(box[:0], box[max:]...)
	return out
}

// Pending counts buffered proposals per "account/broker".
func (s *Server) Pending() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.inboxes))
	for k, box := range s.inboxes {
		out[k.account+"/"+k.broker] = len(box)
	}
	return out
}

// ProposeIntent implements IntakeServer.
func (s *Server) ProposeIntent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := ParseProposal(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.Offer(p); err != nil {
		s.log.Warn("proposal refused", zap.String("account", p.Account), zap.String("broker", p.Broker),
			zap.String("symbol", p.Symbol), zap.Error(err))
		return nil, err
	}
	s.log.Debug("proposal buffered", zap.String("account", p.Account), zap.String("broker", p.Broker),
		zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)))
	return structpb.NewStruct(map[string]any{
		"accepted":    true,
		"symbol":      p.Symbol,
		"received_at": p.ReceivedAt.Format(time.RFC3339Nano),
	})
}

// ParseProposal reads the wire form. Numeric fields may be numbers or
// decimal strings.
func ParseProposal(req *structpb.Struct) (order.Proposal, error) {
	if req == nil {
		return order.Proposal{}, fmt.Errorf("empty request")
	}
	f := req.AsMap()
	p := order.Proposal{
		Account:    strings.TrimSpace(cast.ToString(f["account"])),
		Broker:     strings.ToLower(strings.TrimSpace(cast.ToString(f["broker"]))),
		Symbol:     capability.Canonical(cast.ToString(f["symbol"])),
		Side:       order.Side(strings.ToUpper(cast.ToString(f["side"]))),
		Confidence: cast.ToFloat64(f["confidence"]),
		Reason:     cast.ToString(f["reason"]),
		ReceivedAt: time.Now().UTC(),
	}
	if p.Account == "" || p.Broker == "" {
		return order.Proposal{}, fmt.Errorf("account and broker are required")
	}
	if _, err := capability.ParseSymbol(p.Symbol); err != nil {
		return order.Proposal{}, err
	}
	if !p.Side.Valid() {
		return order.Proposal{}, fmt.Errorf("invalid side %q", p.Side)
	}
	var err error
	if p.Size, err = decimalField(f, "size"); err != nil {
		return order.Proposal{}, err
	}
	if p.Notional, err = decimalField(f, "notional"); err != nil {
		return order.Proposal{}, err
	}
	if p.Size.IsNegative() || p.Notional.IsNegative() {
		return order.Proposal{}, fmt.Errorf("size and notional must not be negative")
	}
	return p, nil
}

func decimalField(f map[string]any, name string) (decimal.Decimal, error) {
	v, ok := f[name]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return decimal.Zero, fmt.Errorf("%s: not a number", name)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// Serve registers the service and blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener, opts ...grpc.ServerOption) error {
	g := grpc.NewServer(opts...)
	g.RegisterService(&ServiceDesc, s)
	s.mu.Lock()
	s.grpc = g
	s.mu.Unlock()
	s.log.Info("intent intake listening", zap.String("addr", lis.Addr().String()))
	return g.Serve(lis)
}

// Stop drains in-flight calls.
func (s *Server) Stop() {
	s.mu.Lock()
	g := s.grpc
	s.mu.Unlock()
	if g != nil {
		g.GracefulStop()
	}
}

// Pairs lists registered inboxes, sorted.
func (s *Server) Pairs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inboxes))
	for k := range s.inboxes {
		out = append(out, k.account+"/"+k.broker)
	}
	sort.Strings(out)
	return out
}
