package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	"google.golang.org/grpc"
)

const (
	// StandardImagesFolder is the shared catalog of public images.
	StandardImagesFolder = "standard-images"

	DefaultPlatformID = "standard-v3"
	DefaultDiskType   = "network-hdd"

	gib = int64(1) << 30
)

// Request describes a single compute instance to create. Sizes are in GiB.
type Request struct {
	FolderID string
	Zone     string
	// SubnetID is optional: the first subnet of the folder in Zone is used
	// when empty.
	SubnetID     string
	Name         string
	ImageFamily  string
	MemoryGiB    int64
	Cores        int64 // rounded down to an even number on submit
	CoreFraction int64
	DiskSizeGiB  int64

	Username      string
	PublicKeyPath string

	PlatformID string
	DiskType   string
}

// Validate checks the request before anything is sent to the cloud.
func (r Request) Validate() error {
	var result *multierror.Error
	required := []struct{ name, value string }{
		{"folder ID", r.FolderID},
		{"zone", r.Zone},
		{"instance name", r.Name},
		{"image family", r.ImageFamily},
		{"user name", r.Username},
		{"public key path", r.PublicKeyPath},
	}
	for _, field := range required {
		if field.value == "" {
			result = multierror.Append(result, fmt.Errorf("%s is required", field.name))
		}
	}
	if r.MemoryGiB <= 0 {
		result = multierror.Append(result, fmt.Errorf("memory must be positive, got %d", r.MemoryGiB))
	}
	if r.Cores < 2 {
		result = multierror.Append(result, fmt.Errorf("cores must be at least 2, got %d", r.Cores))
	}
	if r.CoreFraction <= 0 || r.CoreFraction > 100 {
		result = multierror.Append(result, fmt.Errorf("core fraction must be in 1..100, got %d", r.CoreFraction))
	}
	if r.DiskSizeGiB <= 0 {
		result = multierror.Append(result, fmt.Errorf("disk size must be positive, got %d", r.DiskSizeGiB))
	}
	return result.ErrorOrNil()
}

// EvenCores clears the low bit of n: the platform only accepts an even
// number of vCPUs.
func EvenCores(n int64) int64 {
	return n &^ 1
}

// GiBToBytes converts a size in GiB to bytes.
func GiBToBytes(n int64) int64 {
	return n * gib
}

// ResolvedImage is the boot image picked for an instance.
type ResolvedImage struct {
	ID     string
	Family string
	Name   string
}

// InstanceResult is the terminal state of a created instance.
type InstanceResult struct {
	ID       string
	Name     string
	PublicIP string
	Status   string
}

func instanceResult(instance *compute.Instance) *InstanceResult {
	return &InstanceResult{
		ID:       instance.GetId(),
		Name:     instance.GetName(),
		PublicIP: publicIPv4(instance),
		Status:   instance.GetStatus().String(),
	}
}

// publicIPv4 reads the one-to-one NAT address of the primary interface.
func publicIPv4(instance *compute.Instance) string {
	nics := instance.GetNetworkInterfaces()
	if len(nics) == 0 {
		return ""
	}
	return nics[0].GetPrimaryV4Address().GetOneToOneNat().GetAddress()
}

// ImageService is the subset of the compute image API used here.
type ImageService interface {
	GetLatestByFamily(ctx context.Context, in *compute.GetImageLatestByFamilyRequest, opts ...grpc.CallOption) (*compute.Image, error)
}

// InstanceService is the subset of the compute instance API used here.
type InstanceService interface {
	Create(ctx context.Context, in *compute.CreateInstanceRequest, opts ...grpc.CallOption) (*operation.Operation, error)
	List(ctx context.Context, in *compute.ListInstancesRequest, opts ...grpc.CallOption) (*compute.ListInstancesResponse, error)
}

// SubnetService lists VPC subnets.
type SubnetService interface {
	List(ctx context.Context, in *vpc.ListSubnetsRequest, opts ...grpc.CallOption) (*vpc.ListSubnetsResponse, error)
}

// OperationService is the operation API the waiter polls.
type OperationService interface {
	Get(ctx context.Context, in *operation.GetOperationRequest, opts ...grpc.CallOption) (*operation.Operation, error)
	Cancel(ctx context.Context, in *operation.CancelOperationRequest, opts ...grpc.CallOption) (*operation.Operation, error)
}

// Clients groups the cloud API clients the provisioner talks to.
type Clients struct {
	Images     ImageService
	Instances  InstanceService
	Subnets    SubnetService
	Operations OperationService
}

func (c Clients) validate() error {
	if c.Images == nil || c.Instances == nil || c.Subnets == nil || c.Operations == nil {
		return errors.New("all cloud API clients must be set")
	}
	return nil
}
