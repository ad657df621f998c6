package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// EmbedMethod is the full gRPC method name served by the embedding sidecar.
// Requests and responses are google.protobuf.Struct values:
//
//	request:  {"texts": ["..."]}
//	response: {"embeddings": [[0.1, ...], ...]}
const EmbedMethod = "/embedding.Embedder/Embed"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed embedding response")
)

// GRPCConfig holds configuration for the sidecar client.
type GRPCConfig struct {
	Address          string
	Dimensions       int
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCEmbedder calls an embedding model served by a sidecar process.
type GRPCEmbedder struct {
	conn   *grpc.ClientConn
	cfg    GRPCConfig
	logger *slog.Logger
}

var _ Embedder = (*GRPCEmbedder)(nil)

// NewGRPCEmbedder connects to the sidecar and waits until it is ready.
func NewGRPCEmbedder(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("embedding: sidecar address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("embedding sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to embedding sidecar", "address", cfg.Address)
	return &GRPCEmbedder{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Embed sends texts to the sidecar in one unary call.
func (g *GRPCEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	items := make([]any, len(texts))
	for i, t := range texts {
		items[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"texts": items})
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}

	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, EmbedMethod, req, resp); err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}

	vecs, err := decodeEmbeddings(resp, len(texts), g.cfg.Dimensions)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("Embedded texts via sidecar", "count", len(texts), "elapsed_ms", time.Since(start).Milliseconds())
	return vecs, nil
}

func decodeEmbeddings(resp *structpb.Struct, want, dims int) ([][]float32, error) {
	list := resp.GetFields()["embeddings"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: missing embeddings", errMalformedResponse)
	}
	if len(list.GetValues()) != want {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", errMalformedResponse, len(list.GetValues()), want)
	}
	out := make([][]float32, want)
	for i, v := range list.GetValues() {
		row := v.GetListValue()
		if row == nil {
			return nil, fmt.Errorf("%w: vector %d is not a list", errMalformedResponse, i)
		}
		if dims > 0 && len(row.GetValues()) != dims {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", errMalformedResponse, i, len(row.GetValues()), dims)
		}
		vec := make([]float32, len(row.GetValues()))
		for j, x := range row.GetValues() {
			vec[j] = float32(x.GetNumberValue())
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured vector size.
func (g *GRPCEmbedder) Dimensions() int { return g.cfg.Dimensions }

// Close closes the gRPC connection.
func (g *GRPCEmbedder) Close() error {
	if g.conn == nil {
		return nil
	}
	if err := g.conn.Close(); err != nil {
		g.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}
