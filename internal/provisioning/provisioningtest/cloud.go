// Package provisioningtest provides an in-memory stand-in for the Yandex
// Cloud compute, VPC and operation APIs.
package provisioningtest

import (
	"context"
	"fmt"
	"sync"

	"ycmodules/internal/provisioning"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Cloud is a fake cloud. Configure the exported fields before use; the
// counters and CreateRequests are safe to read once calls have returned.
type Cloud struct {
	mu sync.Mutex

	// Images maps a family to its latest image.
	Images  map[string]*compute.Image
	Subnets []*vpc.Subnet
	// Instances maps instance names to existing instances.
	Instances map[string]*compute.Instance

	// CreateErrors are returned by successive Create calls before the
	// fake starts creating instances.
	CreateErrors []error
	// OperationError fails the create operation with the given status error.
	OperationError error
	// PendingPolls makes Create return a running operation that completes
	// on the PendingPolls-th Get call.
	PendingPolls int
	// MissingPolls makes the first Get calls for a pending operation
	// answer NOT_FOUND, as the API does until the operation replicates.
	MissingPolls int
	// ConflictInOperation reports an existing name through the operation
	// result instead of the Create call.
	ConflictInOperation bool
	// SubnetPageSize splits List responses into pages when positive.
	SubnetPageSize int
	// ListError fails every instance List call.
	ListError error

	CreateRequests []*compute.CreateInstanceRequest
	CreateCalls    int
	GetCalls       int
	ListCalls      int

	nextID     int
	operations map[string]*pendingOperation
}

type pendingOperation struct {
	op        *operation.Operation
	remaining int
	result    func() *operation.Operation
}

// NewCloud returns a fake with one Ubuntu image and one subnet in
// ru-central1-a.
func NewCloud() *Cloud {
	return &Cloud{
		Images: map[string]*compute.Image{
			"ubuntu-2404-lts-oslogin": {Id: "fd8image2404", Name: "ubuntu-24-04-lts-v20250101", Family: "ubuntu-2404-lts-oslogin"},
		},
		Subnets: []*vpc.Subnet{
			{Id: "e9bsubnet-a", ZoneId: "ru-central1-a"},
		},
		Instances:  map[string]*compute.Instance{},
		operations: map[string]*pendingOperation{},
	}
}

// Clients exposes the fake through the provisioning client interfaces.
func (c *Cloud) Clients() provisioning.Clients {
	return provisioning.Clients{
		Images:     imageService{c},
		Instances:  instanceService{c},
		Subnets:    subnetService{c},
		Operations: operationService{c},
	}
}

// AddInstance registers an existing instance.
func (c *Cloud) AddInstance(name, ip string) *compute.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	instance := c.newInstance(name, ip)
	c.Instances[name] = instance
	return instance
}

// LastCreateRequest returns the most recent create request, or nil.
func (c *Cloud) LastCreateRequest() *compute.CreateInstanceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.CreateRequests) == 0 {
		return nil
	}
	return c.CreateRequests[len(c.CreateRequests)-1]
}

func (c *Cloud) newInstance(name, ip string) *compute.Instance {
	c.nextID++
	return &compute.Instance{
		Id:     fmt.Sprintf("fhm%06d", c.nextID),
		Name:   name,
		ZoneId: "ru-central1-a",
		Status: compute.Instance_RUNNING,
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Index: "0",
				PrimaryV4Address: &compute.PrimaryAddress{
					Address:     "10.128.0.10",
					OneToOneNat: &compute.OneToOneNat{Address: ip, IpVersion: compute.IpVersion_IPV4},
				},
			},
		},
	}
}

func mustAny(m proto.Message) *anypb.Any {
	a, err := anypb.New(m)
	if err != nil {
		panic(err)
	}
	return a
}

func failedOperation(op *operation.Operation, err error) *operation.Operation {
	op.Done = true
	op.Result = &operation.Operation_Error{Error: status.Convert(err).Proto()}
	return op
}

type imageService struct{ c *Cloud }

func (s imageService) GetLatestByFamily(ctx context.Context, in *compute.GetImageLatestByFamilyRequest, opts ...grpc.CallOption) (*compute.Image, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if in.GetFolderId() != provisioning.StandardImagesFolder {
		return nil, status.Errorf(codes.NotFound, "folder %s has no images", in.GetFolderId())
	}
	image, ok := s.c.Images[in.GetFamily()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Image family %s not found", in.GetFamily())
	}
	return image, nil
}

type instanceService struct{ c *Cloud }

func (s instanceService) Create(ctx context.Context, in *compute.CreateInstanceRequest, opts ...grpc.CallOption) (*operation.Operation, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CreateCalls++
	c.CreateRequests = append(c.CreateRequests, in)

	if len(c.CreateErrors) > 0 {
		err := c.CreateErrors[0]
		c.CreateErrors = c.CreateErrors[1:]
		return nil, err
	}

	conflict := status.Errorf(codes.AlreadyExists, "Instance with name %s already exists", in.GetName())
	if _, exists := c.Instances[in.GetName()]; exists && !c.ConflictInOperation {
		return nil, conflict
	}

	instance := c.newInstance(in.GetName(), fmt.Sprintf("51.250.0.%d", c.nextID+1))
	opID := fmt.Sprintf("op%06d", c.nextID)
	op := &operation.Operation{
		Id:          opID,
		Description: "Create instance",
		Metadata:    mustAny(&compute.CreateInstanceMetadata{InstanceId: instance.GetId()}),
	}

	operationErr := c.OperationError
	if _, exists := c.Instances[in.GetName()]; exists {
		operationErr = conflict
	}

	result := func() *operation.Operation {
		done := proto.Clone(op).(*operation.Operation)
		if operationErr != nil {
			return failedOperation(done, operationErr)
		}
		c.Instances[instance.GetName()] = instance
		done.Done = true
		done.Result = &operation.Operation_Response{Response: mustAny(instance)}
		return done
	}

	if c.PendingPolls == 0 {
		return result(), nil
	}
	c.operations[opID] = &pendingOperation{op: op, remaining: c.PendingPolls, result: result}
	return op, nil
}

func (s instanceService) List(ctx context.Context, in *compute.ListInstancesRequest, opts ...grpc.CallOption) (*compute.ListInstancesResponse, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.ListCalls++
	if s.c.ListError != nil {
		return nil, s.c.ListError
	}

	resp := &compute.ListInstancesResponse{}
	for name, instance := range s.c.Instances {
		if in.GetFilter() == "" || in.GetFilter() == fmt.Sprintf("name=%q", name) {
			resp.Instances = append(resp.Instances, instance)
		}
	}
	return resp, nil
}

type subnetService struct{ c *Cloud }

func (s subnetService) List(ctx context.Context, in *vpc.ListSubnetsRequest, opts ...grpc.CallOption) (*vpc.ListSubnetsResponse, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	subnets := s.c.Subnets
	if s.c.SubnetPageSize <= 0 {
		return &vpc.ListSubnetsResponse{Subnets: subnets}, nil
	}

	start := 0
	if in.GetPageToken() != "" {
		if _, err := fmt.Sscanf(in.GetPageToken(), "page-%d", &start); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad page token %q", in.GetPageToken())
		}
	}
	end := min(start+s.c.SubnetPageSize, len(subnets))
	resp := &vpc.ListSubnetsResponse{Subnets: subnets[start:end]}
	if end < len(subnets) {
		resp.NextPageToken = fmt.Sprintf("page-%d", end)
	}
	return resp, nil
}

type operationService struct{ c *Cloud }

func (s operationService) Get(ctx context.Context, in *operation.GetOperationRequest, opts ...grpc.CallOption) (*operation.Operation, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.GetCalls++

	pending, ok := s.c.operations[in.GetOperationId()]
	if !ok || s.c.MissingPolls > 0 {
		if ok {
			s.c.MissingPolls--
		}
		return nil, status.Errorf(codes.NotFound, "operation %s not found", in.GetOperationId())
	}
	pending.remaining--
	if pending.remaining > 0 {
		return pending.op, nil
	}
	delete(s.c.operations, in.GetOperationId())
	return pending.result(), nil
}

func (s operationService) Cancel(ctx context.Context, in *operation.CancelOperationRequest, opts ...grpc.CallOption) (*operation.Operation, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	pending, ok := s.c.operations[in.GetOperationId()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "operation %s not found", in.GetOperationId())
	}
	delete(s.c.operations, in.GetOperationId())
	return failedOperation(proto.Clone(pending.op).(*operation.Operation), status.Error(codes.Canceled, "operation cancelled")), nil
}
