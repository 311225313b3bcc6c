package grpcclient

import (
	"context"
	"encoding/base64"
	"image"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/floor-segmenter/internal/floormask"
	"github.com/example/floor-segmenter/internal/segmenter"
)

const testModel = "yolov8n-seg"

type segmentFunc func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func startServer(t *testing.T, fn segmentFunc, servingStatus healthpb.HealthCheckResponse_ServingStatus) Options {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	hs := health.NewServer()
	hs.SetServingStatus(testModel, servingStatus)
	healthpb.RegisterHealthServer(srv, hs)

	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "segmentation.v1.Segmenter",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Segment",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(ctx, in)
			},
		}},
	}, struct{}{})

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return Options{
		Addr:           "bufnet",
		ModelName:      testModel,
		DialTimeout:    2 * time.Second,
		RequestTimeout: 2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	var received *structpb.Struct
	opts := startServer(t, func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		received = in
		return ToStruct(segmenter.EncodeMaskSet(&floormask.MaskSet{
			Height: 2,
			Width:  2,
			Masks:  []floormask.Mask{{0, 0, 1, 1}, {1, 0, 0, 0}},
		}))
	}, healthpb.HealthCheckResponse_SERVING)

	client, err := DialSegmenter(context.Background(), opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	set, err := client.Segment(context.Background(), segmenter.Request{RequestID: "req-1", Image: img})
	require.NoError(t, err)

	require.Len(t, set.Masks, 2)
	assert.Equal(t, 2, set.Height)
	assert.Equal(t, 2, set.Width)
	assert.Equal(t, floormask.Mask{0, 0, 1, 1}, set.Masks[0])

	fields := received.GetFields()
	assert.Equal(t, testModel, fields["model"].GetStringValue())
	assert.Equal(t, "req-1", fields["request_id"].GetStringValue())
	_, err = base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	assert.NoError(t, err)
}

func TestSegmentNullMasks(t *testing.T) {
	opts := startServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{"height": 4, "width": 4, "masks": nil})
	}, healthpb.HealthCheckResponse_SERVING)

	client, err := DialSegmenter(context.Background(), opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	set, err := client.Segment(context.Background(), segmenter.Request{Image: image.NewRGBA(image.Rect(0, 0, 4, 4))})
	require.NoError(t, err)
	assert.Empty(t, set.Masks)
}

func TestSegmentPropagatesServerError(t *testing.T) {
	opts := startServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Internal, "inference crashed")
	}, healthpb.HealthCheckResponse_SERVING)

	client, err := DialSegmenter(context.Background(), opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Segment(context.Background(), segmenter.Request{Image: image.NewRGBA(image.Rect(0, 0, 1, 1))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference crashed")
}

func TestDialFailsWhenModelNotServing(t *testing.T) {
	opts := startServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	}, healthpb.HealthCheckResponse_NOT_SERVING)

	_, err := DialSegmenter(context.Background(), opts, zap.NewNop())
	require.Error(t, err)
}

func TestFromStructRejectsWrongKinds(t *testing.T) {
	st, err := structpb.NewStruct(map[string]interface{}{"masks": "nope"})
	require.NoError(t, err)
	_, err = FromStruct(st)
	assert.Error(t, err)

	st, err = structpb.NewStruct(map[string]interface{}{"masks": []interface{}{1.0}})
	require.NoError(t, err)
	_, err = FromStruct(st)
	assert.Error(t, err)
}
