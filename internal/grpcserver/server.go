package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"emconv/internal/convert"
	"emconv/internal/logging"
	"emconv/internal/storage"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RowServer streams the rows of set files. Request fields: path (required),
// purpose, dims, inverse.
type RowServer struct {
	conv     *convert.Converter
	defaults convert.Options
	root     string
	log      *slog.Logger
}

// NewRowServer returns a server converting with conv. A non-empty root
// confines request paths.
func NewRowServer(conv *convert.Converter, defaults convert.Options, root string, logger *slog.Logger) *RowServer {
	if conv == nil {
		conv = convert.New(logger, nil)
	}
	return &RowServer{conv: conv, defaults: defaults, root: root, log: logging.OrDefault(logger)}
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a string", name)
	}
	return s.StringValue, nil
}

func (s *RowServer) options(req *structpb.Struct) (convert.Options, error) {
	dims, err := stringField(req, "dims")
	if err != nil {
		return convert.Options{}, err
	}
	purpose, err := stringField(req, "purpose")
	if err != nil {
		return convert.Options{}, err
	}
	var inverse *bool
	if v, ok := req.GetFields()["inverse"]; ok {
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return convert.Options{}, status.Error(codes.InvalidArgument, "inverse must be a bool")
		}
		inverse = &b.BoolValue
	}
	opts, err := s.defaults.Override(dims, purpose, inverse)
	if err != nil {
		return opts, status.Error(codes.InvalidArgument, err.Error())
	}
	return opts, nil
}

func (s *RowServer) StreamRows(req *structpb.Struct, stream RowStream) error {
	opts, err := s.options(req)
	if err != nil {
		return err
	}
	path, err := stringField(req, "path")
	if err != nil {
		return err
	}
	if path == "" {
		return status.Error(codes.InvalidArgument, "path is required")
	}
	if s.root != "" {
		if !filepath.IsLocal(path) {
			return status.Errorf(codes.InvalidArgument, "path %q escapes the data root", path)
		}
		path = filepath.Join(s.root, path)
	}

	set, err := storage.OpenSet(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return status.Errorf(codes.NotFound, "set %s not found", path)
		}
		return status.Errorf(codes.Internal, "open set: %v", err)
	}
	defer set.Close()

	ctx := stream.Context()
	sent := 0
	for row, err := range s.conv.SetToRows(set, opts) {
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
		if err != nil {
			continue
		}
		msg, err := structpb.NewStruct(row.Map())
		if err != nil {
			return status.Errorf(codes.Internal, "encode row: %v", err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		sent++
	}
	s.log.Debug("rows streamed", "path", path, "rows", sent)
	return nil
}

// Serve listens on addr and serves the row service until ctx is cancelled.
func Serve(ctx context.Context, addr string, srv *RowServer) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxSendMsgSize(16 * 1024 * 1024),
	)
	RegisterRowService(grpcServer, srv)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	srv.log.Info("gRPC server starting", "addr", addr)
	if err := grpcServer.Serve(listen); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
