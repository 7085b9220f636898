package server

import (
	"MiniPerps/internal/observability"
	"MiniPerps/internal/query"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "miniperps.v1.PerpService"

// CodecName is the content subtype clients select ("application/grpc+json").
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the API request and response structs as JSON, so the
// gRPC service and the HTTP routes share one set of message types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

// publicMethods may be called without a token.
var publicMethods = map[string]bool{
	"GetProtocol":    true,
	"GetOracle":      true,
	"FundingHistory": true,
}

// GRPCDeps holds all dependencies needed by the gRPC server.
type GRPCDeps struct {
	Addr           string
	API            *API
	Auth           *Authenticator
	Metrics        *observability.Metrics // optional
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         zerolog.Logger
}

// GRPCServer serves the API as miniperps.v1.PerpService.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	auth       *Authenticator
	limiter    *limiterSet
	metrics    *observability.Metrics
	log        zerolog.Logger
}

// perpService is the handler type the service descriptor checks against.
type perpService interface {
	GetProtocol(context.Context, *Empty) (*query.ProtocolResponse, error)
}

// NewGRPCServer creates a gRPC server with the perp service, health and
// reflection registered.
func NewGRPCServer(deps GRPCDeps) *GRPCServer {
	s := &GRPCServer{
		addr:    deps.Addr,
		auth:    deps.Auth,
		limiter: newLimiterSet(deps.RateLimitRPS, deps.RateLimitBurst),
		metrics: deps.Metrics,
		log:     deps.Logger,
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			s.recoveryInterceptor,
			s.loggingInterceptor,
			s.authInterceptor,
			s.rateLimitInterceptor,
		),
	)
	s.grpcServer.RegisterService(&serviceDesc, deps.API)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// StartGRPC serves until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// --- interceptors ---

func (s *GRPCServer) recoveryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("method", info.FullMethod).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic in gRPC handler")
			err = status.Error(codes.Internal, "internal: internal error")
		}
	}()
	return handler(ctx, req)
}

// loggingInterceptor logs each call and converts domain errors to statuses.
func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := methodName(info.FullMethod)

	code := codes.OK
	if err != nil {
		if _, isStatus := status.FromError(err); !isStatus {
			c := classify(err)
			if c.code == "internal" {
				s.log.Error().Err(err).Str("method", method).Msg("gRPC call failed")
			}
			err = grpcError(err)
		}
		code = status.Code(err)
	}

	if s.metrics != nil {
		s.metrics.APIRequests.WithLabelValues("grpc_"+method, code.String()).Inc()
		s.metrics.APIDuration.WithLabelValues("grpc_" + method).Observe(time.Since(start).Seconds())
	}
	s.log.Debug().
		Str("method", method).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC call")
	return resp, err
}

func (s *GRPCServer) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !isPerpMethod(info.FullMethod) {
		return handler(ctx, req)
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
	}
	if header == "" && publicMethods[methodName(info.FullMethod)] {
		return handler(ctx, req)
	}

	caller, err := s.auth.Authenticate(header)
	if err != nil {
		return nil, err
	}
	return handler(withCaller(ctx, caller), req)
}

func (s *GRPCServer) rateLimitInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !isPerpMethod(info.FullMethod) {
		return handler(ctx, req)
	}
	id := "anonymous"
	if caller := CallerFrom(ctx); caller != uuid.Nil {
		id = caller.String()
	} else if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		id = p.Addr.String()
	}
	if !s.limiter.allow(id) {
		if s.metrics != nil {
			s.metrics.APIRateLimited.Inc()
		}
		return nil, status.Error(codes.ResourceExhausted, "rate_limited: rate limit exceeded")
	}
	return handler(ctx, req)
}

func isPerpMethod(fullMethod string) bool {
	return len(fullMethod) > len(ServiceName)+2 && fullMethod[1:len(ServiceName)+1] == ServiceName
}

func methodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}

// --- service descriptor ---

// unary builds a method descriptor around an API method.
func unary[Req any, Resp any](name string, fn func(*API, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid_parameter: %v", err)
			}
			api := srv.(*API)
			if interceptor == nil {
				return fn(api, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			h := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(api, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, h)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*perpService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Initialize", (*API).Initialize),
		unary("SetPrice", (*API).SetPrice),
		unary("SetPaused", (*API).SetPaused),
		unary("UpdateRiskParams", (*API).UpdateRiskParams),
		unary("Deposit", (*API).Deposit),
		unary("Withdraw", (*API).Withdraw),
		unary("OpenPosition", (*API).OpenPosition),
		unary("ClosePosition", (*API).ClosePosition),
		unary("Liquidate", (*API).Liquidate),
		unary("AccrueFunding", (*API).AccrueFunding),
		unary("ApplyFunding", (*API).ApplyFunding),
		unary("GetVault", (*API).GetVault),
		unary("GetPosition", (*API).GetPosition),
		unary("ListPositions", (*API).ListPositions),
		unary("GetProtocol", (*API).GetProtocol),
		unary("GetOracle", (*API).GetOracle),
		unary("FundingHistory", (*API).FundingHistory),
		unary("PositionHistory", (*API).PositionHistory),
		unary("VerifyIntegrity", (*API).VerifyIntegrity),
		unary("TakeSnapshot", (*API).TakeSnapshot),
		unary("RebuildProjections", (*API).RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "miniperps/v1/perp.json",
}
