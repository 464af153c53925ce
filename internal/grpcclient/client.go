// Package grpcclient talks to the storefront recognition model over gRPC.
// Requests and replies travel as google.protobuf.Struct messages so the
// service contract needs no generated stubs.
package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/storefront-id/internal/logging"
	"github.com/example/storefront-id/internal/recognizer"
)

// RecognizeMethod is the full gRPC method name served by the model.
const RecognizeMethod = "/storefront.v1.Recognizer/Recognize"

// DialRecognizer returns a ready-to-use client for the model service.
func DialRecognizer(ctx context.Context, addr string, logger *zap.Logger) (recognizer.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_recognizer", "", err)
		logger.Error("failed to dial recognizer", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, logger), conn, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) recognizer.Client {
	return &grpcRecognizer{conn: conn, logger: logger.Named("grpc_recognizer")}
}

type grpcRecognizer struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcRecognizer) Recognize(ctx context.Context, requestID string, image []byte) (*recognizer.Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"request_id": requestID,
		"image_data": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_request", requestID, err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, RecognizeMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.recognize", requestID, err)
		g.logger.Error("recognizer call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	return decodeResult(requestID, resp)
}

func decodeResult(requestID string, resp *structpb.Struct) (*recognizer.Result, error) {
	fields := resp.GetFields()
	result := &recognizer.Result{
		Recognized:  fields["recognized"].GetBoolValue(),
		Name:        fields["name"].GetStringValue(),
		Description: fields["description"].GetStringValue(),
		Confidence:  float32(fields["confidence"].GetNumberValue()),
	}
	if result.Recognized && (result.Name == "" || result.Description == "") {
		err := errors.New("recognized reply without name or description")
		return nil, logging.NewOperationError("grpcclient.decode_reply", requestID, err)
	}
	return result, nil
}
