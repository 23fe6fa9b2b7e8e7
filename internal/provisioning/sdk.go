package provisioning

import (
	"context"
	"fmt"

	"ycmodules/internal/retry"

	ycsdk "github.com/yandex-cloud/go-sdk"
	"github.com/yandex-cloud/go-sdk/iamkey"
	"github.com/yandex-cloud/go-sdk/pkg/requestid"
	"google.golang.org/grpc"
)

// SDK owns the connection to the Yandex Cloud API.
type SDK struct {
	sdk *ycsdk.SDK
}

// Connect builds an SDK authenticated with the service-account key stored
// at keyPath. Every RPC is retried according to policy.
func Connect(ctx context.Context, keyPath string, policy retry.Policy) (*SDK, error) {
	key, err := iamkey.ReadFromJSONFile(keyPath)
	if err != nil {
		return nil, ioError("read service account key", err)
	}

	credentials, err := ycsdk.ServiceAccountKey(key)
	if err != nil {
		return nil, &Error{Kind: KindPermissionDenied, Op: "load service account key", Err: err}
	}

	opts, err := dialOptions(policy)
	if err != nil {
		return nil, err
	}

	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: credentials,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	return &SDK{sdk: sdk}, nil
}

// dialOptions applies policy to every RPC and tags each call with a client
// request ID and the trace ID carried by the context.
func dialOptions(policy retry.Policy) ([]grpc.DialOption, error) {
	retryOption, err := policy.DialOption()
	if err != nil {
		return nil, fmt.Errorf("failed to build retry policy: %w", err)
	}
	return []grpc.DialOption{
		retryOption,
		grpc.WithChainUnaryInterceptor(requestid.Interceptor()),
	}, nil
}

// Clients returns the API clients used by Provisioner.
func (s *SDK) Clients() Clients {
	return Clients{
		Images:     s.sdk.Compute().Image(),
		Instances:  s.sdk.Compute().Instance(),
		Subnets:    s.sdk.VPC().Subnet(),
		Operations: s.sdk.Operation(),
	}
}

// Close shuts the SDK connections down.
func (s *SDK) Close(ctx context.Context) error {
	return s.sdk.Shutdown(ctx)
}
