package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/floor-segmenter/internal/floormask"
	"github.com/example/floor-segmenter/internal/imagecodec"
	"github.com/example/floor-segmenter/internal/logging"
	"github.com/example/floor-segmenter/internal/segmenter"
)

// SegmentMethod is the unary RPC exposed by the model server. Request and response are
// google.protobuf.Struct values.
const SegmentMethod = "/segmentation.v1.Segmenter/Segment"

// Options configures DialSegmenter.
type Options struct {
	Addr           string
	ModelName      string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	DialOptions    []grpc.DialOption
}

// DialSegmenter connects to the model server and waits until it reports the model as SERVING.
func DialSegmenter(ctx context.Context, opts Options, logger *zap.Logger) (*Segmenter, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts.DialOptions...)

	conn, err := grpc.DialContext(dialCtx, opts.Addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_segmenter", "", err)
		logger.Error("failed to dial segmentation model", zap.Error(wrapped), zap.String("addr", opts.Addr))
		return nil, wrapped
	}

	resp, err := healthpb.NewHealthClient(conn).Check(dialCtx, &healthpb.HealthCheckRequest{Service: opts.ModelName})
	if err == nil && resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		err = fmt.Errorf("model %q is %s", opts.ModelName, resp.GetStatus())
	}
	if err != nil {
		conn.Close()
		wrapped := logging.NewOperationError("grpcclient.health_check", "", err)
		logger.Error("segmentation model not ready", zap.Error(wrapped), zap.String("model", opts.ModelName))
		return nil, wrapped
	}

	logger.Info("segmentation model ready", zap.String("addr", opts.Addr), zap.String("model", opts.ModelName))
	return &Segmenter{
		conn:           conn,
		modelName:      opts.ModelName,
		requestTimeout: opts.RequestTimeout,
		logger:         logger.Named("grpc_segmenter"),
	}, nil
}

// Segmenter calls a remote model over gRPC. A grpc.ClientConn is safe for concurrent use.
type Segmenter struct {
	conn           *grpc.ClientConn
	modelName      string
	requestTimeout time.Duration
	logger         *zap.Logger
}

var _ segmenter.Model = (*Segmenter)(nil)

func (s *Segmenter) Segment(ctx context.Context, req segmenter.Request) (*floormask.MaskSet, error) {
	pngBytes, err := imagecodec.EncodePNG(req.Image)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_image", req.RequestID, err)
	}

	in, err := structpb.NewStruct(map[string]interface{}{
		"model":      s.modelName,
		"request_id": req.RequestID,
		"image":      base64.StdEncoding.EncodeToString(pngBytes),
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.build_request", req.RequestID, err)
	}

	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, SegmentMethod, in, out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.segment", req.RequestID, err)
		s.logger.Error("segmentation call failed", zap.Error(wrapped), zap.String("request_id", req.RequestID))
		return nil, wrapped
	}

	wire, err := FromStruct(out)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.parse_response", req.RequestID, err)
	}
	set, err := wire.ToMaskSet()
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_masks", req.RequestID, err)
	}
	return set, nil
}

func (s *Segmenter) Close() error {
	return s.conn.Close()
}

// FromStruct reads height, width, masks and error out of a response struct.
func FromStruct(st *structpb.Struct) (*segmenter.WireResult, error) {
	fields := st.GetFields()
	res := &segmenter.WireResult{
		Height: int(fields["height"].GetNumberValue()),
		Width:  int(fields["width"].GetNumberValue()),
		Error:  fields["error"].GetStringValue(),
	}
	masks, ok := fields["masks"]
	if !ok {
		return res, nil
	}
	switch masks.GetKind().(type) {
	case *structpb.Value_NullValue:
		return res, nil
	case *structpb.Value_ListValue:
	default:
		return nil, fmt.Errorf("masks: expected list, got %T", masks.GetKind())
	}
	for i, v := range masks.GetListValue().GetValues() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("masks[%d]: expected string, got %T", i, v.GetKind())
		}
		res.Masks = append(res.Masks, sv.StringValue)
	}
	return res, nil
}

// ToStruct is the inverse of FromStruct.
func ToStruct(res *segmenter.WireResult) (*structpb.Struct, error) {
	masks := make([]interface{}, 0, len(res.Masks))
	for _, m := range res.Masks {
		masks = append(masks, m)
	}
	fields := map[string]interface{}{
		"height": res.Height,
		"width":  res.Width,
		"masks":  masks,
	}
	if res.Error != "" {
		fields["error"] = res.Error
	}
	return structpb.NewStruct(fields)
}
