package server

import (
	"fmt"
	"net"

	"invoiceimport/api/gateway"
	"invoiceimport/pkg/config"
	"invoiceimport/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// StartGRPCServer serves the session gateway and the standard health service
// on the configured address.
func StartGRPCServer(service *GatewayService, cfg *config.Config) (*grpc.Server, error) {
	serverLogger := logger.WithField("component", "grpc-server")
	address := cfg.GetServerAddress()

	serverLogger.Info("initializing gRPC server", "address", address)

	grpcOptions := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(cfg.GRPC.MaxRecvMsgSize)),
		grpc.MaxSendMsgSize(int(cfg.GRPC.MaxSendMsgSize)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.GRPC.KeepAliveTime,
			Timeout: cfg.GRPC.KeepAliveTimeout,
		}),
	}

	serverLogger.Debug("gRPC server options configured",
		"maxRecvMsgSize", cfg.GRPC.MaxRecvMsgSize,
		"maxSendMsgSize", cfg.GRPC.MaxSendMsgSize,
		"keepAliveTime", cfg.GRPC.KeepAliveTime)

	grpcServer := grpc.NewServer(grpcOptions...)
	gateway.RegisterImportGatewayServer(grpcServer, service)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(gateway.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", address)
	if err != nil {
		serverLogger.Error("failed to create listener", "address", address, "error", err)
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		serverLogger.Info("starting gRPC server", "address", address)

		if serveErr := grpcServer.Serve(lis); serveErr != nil {
			serverLogger.Error("gRPC server stopped with error", "error", serveErr)
		} else {
			serverLogger.Info("gRPC server stopped gracefully")
		}
	}()

	return grpcServer, nil
}
