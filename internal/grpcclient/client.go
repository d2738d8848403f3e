package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/faceauth/internal/biometric"
	"github.com/example/faceauth/internal/extractor"
	"github.com/example/faceauth/internal/imagecodec"
	"github.com/example/faceauth/internal/logging"
)

// ExtractMethod is the full gRPC method name of the remote extractor. The
// request is a BytesValue with the encoded image, the response a ListValue
// holding one ListValue of numbers per detected face.
const ExtractMethod = "/faceauth.v1.EmbeddingExtractor/Extract"

// DialExtractor returns a ready-to-use gRPC client for the embedding extractor.
func DialExtractor(ctx context.Context, addr string, dialTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (extractor.Extractor, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_extractor", "", err)
		logger.Error("failed to dial embedding extractor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewExtractor(conn, logger), conn, nil
}

// NewExtractor wraps an established connection.
func NewExtractor(conn grpc.ClientConnInterface, logger *zap.Logger) extractor.Extractor {
	return &grpcExtractor{conn: conn, logger: logger.Named("grpc_extractor")}
}

type grpcExtractor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcExtractor) Extract(ctx context.Context, img *imagecodec.Image) ([]biometric.SignatureVector, error) {
	resp := &structpb.ListValue{}
	if err := g.conn.Invoke(ctx, ExtractMethod, wrapperspb.Bytes(img.Data), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.extract", "", classify(err))
		bounds := img.Bounds()
		g.logger.Warn("embedding extractor call failed", zap.Error(wrapped), zap.String("media_type", img.MediaType),
			zap.Int("width", bounds.Dx()), zap.Int("height", bounds.Dy()))
		return nil, wrapped
	}

	faces := make([]biometric.SignatureVector, 0, len(resp.GetValues()))
	for i, face := range resp.GetValues() {
		list, ok := face.GetKind().(*structpb.Value_ListValue)
		if !ok {
			return nil, logging.NewOperationError("grpcclient.extract", "",
				fmt.Errorf("%w: face %d is not a list", extractor.ErrUnavailable, i))
		}
		components := list.ListValue.GetValues()
		if len(components) == 0 {
			return nil, logging.NewOperationError("grpcclient.extract", "",
				fmt.Errorf("%w: face %d has no components", extractor.ErrUnavailable, i))
		}
		if i > 0 && len(components) != faces[0].Dim() {
			return nil, logging.NewOperationError("grpcclient.extract", "",
				fmt.Errorf("%w: face %d has %d components, want %d", extractor.ErrUnavailable, i, len(components), faces[0].Dim()))
		}
		sig := make(biometric.SignatureVector, len(components))
		for j, c := range components {
			n, ok := c.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, logging.NewOperationError("grpcclient.extract", "",
					fmt.Errorf("%w: face %d component %d is not a number", extractor.ErrUnavailable, i, j))
			}
			sig[j] = n.NumberValue
		}
		faces = append(faces, sig)
	}
	return faces, nil
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", extractor.ErrTimeout, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %v", extractor.ErrInvalidImage, err)
	default:
		return fmt.Errorf("%w: %v", extractor.ErrUnavailable, err)
	}
}
