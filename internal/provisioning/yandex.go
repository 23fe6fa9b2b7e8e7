package provisioning

import (
	"context"
	"fmt"

	"ycmodules/internal/logging"
	"ycmodules/internal/ssh"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	"go.uber.org/zap"
)

const listPageSize = 100

// Provisioner creates compute instances in Yandex Cloud.
type Provisioner struct {
	images    *ImageResolver
	instances InstanceService
	subnets   SubnetService
	waiter    *Waiter
}

// NewProvisioner wires a provisioner to the given API clients.
func NewProvisioner(clients Clients, waiter *Waiter) (*Provisioner, error) {
	if err := clients.validate(); err != nil {
		return nil, err
	}
	if waiter == nil {
		waiter = NewWaiter(clients.Operations)
	}
	return &Provisioner{
		images:    NewImageResolver(clients.Images),
		instances: clients.Instances,
		subnets:   clients.Subnets,
		waiter:    waiter,
	}, nil
}

// CreateInstance submits the create request and returns the pending
// operation. Cores are rounded down to an even number.
func (p *Provisioner) CreateInstance(ctx context.Context, req Request) (*operation.Operation, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: KindFatal, Op: "validate request", Err: err}
	}

	publicKey, err := ssh.ReadPublicKey(req.PublicKeyPath)
	if err != nil {
		return nil, ioError("read public key", err)
	}

	userData, err := GenerateCloudConfig(req.Username, publicKey)
	if err != nil {
		return nil, &Error{Kind: KindFatal, Op: "generate user-data", Err: err}
	}

	image, err := p.images.Resolve(ctx, req.ImageFamily)
	if err != nil {
		return nil, err
	}

	subnetID := req.SubnetID
	if subnetID == "" {
		subnetID, err = p.findSubnet(ctx, req.FolderID, req.Zone)
		if err != nil {
			return nil, err
		}
	}

	request := buildCreateRequest(req, image.ID, subnetID, userData)

	logging.Logger().Info("Creating compute instance",
		zap.String("name", req.Name),
		zap.String("folder_id", req.FolderID),
		zap.String("zone", req.Zone),
		zap.String("subnet_id", subnetID),
		zap.String("image_id", image.ID),
		zap.Int64("cores", request.GetResourcesSpec().GetCores()),
		zap.Int64("memory_gb", req.MemoryGiB),
		zap.Int64("disk_gb", req.DiskSizeGiB))
	logging.Logger().Debug("Rendered user-data", zap.String("user_data", logging.Truncate(userData)))

	op, err := p.instances.Create(ctx, request)
	if err != nil {
		return nil, wrapRPC("create instance "+req.Name, err)
	}
	return op, nil
}

func buildCreateRequest(req Request, imageID, subnetID, userData string) *compute.CreateInstanceRequest {
	platformID := req.PlatformID
	if platformID == "" {
		platformID = DefaultPlatformID
	}
	diskType := req.DiskType
	if diskType == "" {
		diskType = DefaultDiskType
	}

	return &compute.CreateInstanceRequest{
		FolderId:   req.FolderID,
		Name:       req.Name,
		ZoneId:     req.Zone,
		PlatformId: platformID,
		ResourcesSpec: &compute.ResourcesSpec{
			Memory:       GiBToBytes(req.MemoryGiB),
			Cores:        EvenCores(req.Cores),
			CoreFraction: req.CoreFraction,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: diskType,
					Size:   GiBToBytes(req.DiskSizeGiB),
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: imageID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId: subnetID,
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
		Metadata: map[string]string{
			"user-data": userData,
		},
	}
}

// Await waits for a create operation and returns the created instance.
func (p *Provisioner) Await(ctx context.Context, op *operation.Operation) (*InstanceResult, error) {
	var instance compute.Instance
	if err := p.waiter.Await(ctx, op, &instance); err != nil {
		return nil, err
	}

	result := instanceResult(&instance)
	logging.Logger().Info("Compute instance created",
		zap.String("id", result.ID),
		zap.String("name", result.Name),
		zap.String("ip", result.PublicIP),
		zap.String("status", result.Status))
	return result, nil
}

// FindInstance looks an instance up by name. It returns a KindNotFound
// error when the folder has no such instance.
func (p *Provisioner) FindInstance(ctx context.Context, folderID, name string) (*InstanceResult, error) {
	resp, err := p.instances.List(ctx, &compute.ListInstancesRequest{
		FolderId: folderID,
		PageSize: listPageSize,
		Filter:   fmt.Sprintf("name=%q", name),
	})
	if err != nil {
		return nil, wrapRPC("find instance "+name, err)
	}

	for _, instance := range resp.GetInstances() {
		if instance.GetName() == name {
			return instanceResult(instance), nil
		}
	}
	return nil, &Error{Kind: KindNotFound, Op: "find instance", Err: fmt.Errorf("no instance named %s in folder %s", name, folderID)}
}

// findSubnet returns the first subnet of the folder located in zone.
func (p *Provisioner) findSubnet(ctx context.Context, folderID, zone string) (string, error) {
	pageToken := ""
	for {
		resp, err := p.subnets.List(ctx, &vpc.ListSubnetsRequest{
			FolderId:  folderID,
			PageSize:  listPageSize,
			PageToken: pageToken,
		})
		if err != nil {
			return "", wrapRPC("list subnets", err)
		}

		for _, subnet := range resp.GetSubnets() {
			if subnet.GetZoneId() == zone {
				logging.Logger().Debug("Resolved default subnet",
					zap.String("subnet_id", subnet.GetId()),
					zap.String("zone", zone))
				return subnet.GetId(), nil
			}
		}

		pageToken = resp.GetNextPageToken()
		if pageToken == "" {
			break
		}
	}
	return "", &Error{Kind: KindNotFound, Op: "find subnet", Err: fmt.Errorf("no subnet found in zone %s", zone)}
}
