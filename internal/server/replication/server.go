package replication

import (
	"context"
	"net"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Receiver applies a change published by another instance locally.
type Receiver func(ctx context.Context, c protocol.Change) error

type Server struct {
	address   string
	logger    logging.Logger
	jwtSecret []byte
	receive   Receiver
}

func NewServer(address string, l logging.Logger, secretKey string, receive Receiver) *Server {
	if l == nil {
		l = logging.Nop()
	}
	return &Server{
		address:   address,
		logger:    l.With("module", "replication_server"),
		jwtSecret: []byte(secretKey),
		receive:   receive,
	}
}

func (s *Server) Publish(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	change, err := protocol.DecodeChange(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed change")
	}
	if err := s.receive(ctx, change); err != nil {
		s.logger.Warn(ctx, "applying replicated change failed",
			"namespace", change.Namespace, "from", instanceFromContext(ctx), "error", err)
		return nil, status.Error(codes.Unavailable, "change not applied")
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) newGRPCServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	RegisterReplicationServer(srv, s)
	return srv
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newGRPCServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping replication server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting replication server", "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil {
		return err
	}
	return nil
}
