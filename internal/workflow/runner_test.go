package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ycmodules/internal/config"
	"ycmodules/internal/control"
	"ycmodules/internal/inventory"
	"ycmodules/internal/provisioning"
	"ycmodules/internal/provisioning/provisioningtest"
	"ycmodules/internal/retry"
	"ycmodules/internal/ssh/sshtest"
	"ycmodules/internal/workflow"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	"github.com/yandex-cloud/go-sdk/pkg/requestid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

// requestIDProvisioner records the trace ID each call would send to the
// cloud API.
type requestIDProvisioner struct {
	workflow.Provisioner

	mu         sync.Mutex
	requestIDs []string
}

func (p *requestIDProvisioner) note(ctx context.Context) {
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.requestIDs = append(p.requestIDs, md.Get("x-client-trace-id")...)
		return nil
	}
	Expect(requestid.Interceptor()(ctx, "/yandex.cloud.compute.v1.InstanceService/Create", nil, nil, nil, invoker)).To(Succeed())
}

func (p *requestIDProvisioner) CreateInstance(ctx context.Context, req provisioning.Request) (*operation.Operation, error) {
	p.note(ctx)
	return p.Provisioner.CreateInstance(ctx, req)
}

func (p *requestIDProvisioner) FindInstance(ctx context.Context, folderID, name string) (*provisioning.InstanceResult, error) {
	p.note(ctx)
	return p.Provisioner.FindInstance(ctx, folderID, name)
}

type fakeReadiness struct {
	err    error
	config control.Config
	calls  int
}

func (f *fakeReadiness) Wait(ctx context.Context, config control.Config) error {
	f.calls++
	f.config = config
	return f.err
}

// failingRecorder fails the first failures calls, then delegates.
type failingRecorder struct {
	next     workflow.Recorder
	failures int
	err      error
	calls    int
}

func (f *failingRecorder) UpsertHost(ctx context.Context, path, group, hostname string, host inventory.Host) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, f.err
	}
	return f.next.UpsertHost(ctx, path, group, hostname, host)
}

type hostsFile map[string]map[string]map[string]map[string]string

func readHosts(path string) hostsFile {
	data, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	var inv hostsFile
	Expect(yaml.Unmarshal(data, &inv)).To(Succeed())
	return inv
}

var _ = Describe("Runner", func() {
	var (
		ctx         context.Context
		cloud       *provisioningtest.Cloud
		provisioner *requestIDProvisioner
		recorder    workflow.Recorder
		readiness   *fakeReadiness
		params      workflow.Params
		playbookDir string
	)

	fastRetry := retry.DefaultPolicy(
		retry.WithMaxAttempts(3),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithRetryIf(inventory.IsRetryable),
	)

	newRunner := func() *workflow.Runner {
		return workflow.NewRunner(provisioner, recorder,
			workflow.WithReadiness(readiness),
			workflow.WithInventoryRetry(fastRetry))
	}

	BeforeEach(func() {
		ctx = context.Background()
		cloud = provisioningtest.NewCloud()

		waiter := provisioning.NewWaiter(cloud.Clients().Operations)
		waiter.PollInterval = time.Millisecond
		p, err := provisioning.NewProvisioner(cloud.Clients(), waiter)
		Expect(err).NotTo(HaveOccurred())
		provisioner = &requestIDProvisioner{Provisioner: p}

		recorder = inventory.NewRecorder(&inventory.FileLocker{PollInterval: time.Millisecond})
		readiness = &fakeReadiness{}

		kp := sshtest.GenerateKeyPair(GinkgoT(), "id_ed25519")

		playbookDir = GinkgoT().TempDir()
		params = workflow.Params{
			Request: provisioning.Request{
				FolderID:      "b1gfolder",
				Zone:          "ru-central1-a",
				Name:          "test-vm",
				ImageFamily:   "ubuntu-2404-lts-oslogin",
				MemoryGiB:     2,
				Cores:         3,
				CoreFraction:  20,
				DiskSizeGiB:   10,
				Username:      "rizl",
				PublicKeyPath: kp.PublicKeyPath,
			},
			InventoryPath:      inventory.DefaultPath(playbookDir),
			HostGroup:          "ungrouped",
			PrivateKeyPath:     kp.PrivateKeyPath,
			ReconcileInventory: true,
		}
	})

	Context("when the instance does not exist", func() {
		It("creates it and records it in the inventory", func() {
			result := newRunner().Run(ctx, params)

			Expect(result.Failed).To(BeFalse())
			Expect(result.Changed).To(BeTrue())
			Expect(result.InventoryUpdated).To(BeTrue())
			Expect(result.Msg).To(Equal("Compute instance test-vm with ID fhm000001 was created successfully"))
			Expect(result.Message).To(Equal(result.Msg))
			Expect(result.InstanceID).To(Equal("fhm000001"))
			Expect(result.PublicIP).To(Equal("51.250.0.1"))
			Expect(result.InventoryPath).To(Equal(filepath.Join(playbookDir, "inventory", "yc_hosts.yml")))

			Expect(cloud.CreateCalls).To(Equal(1))
			Expect(cloud.LastCreateRequest().GetResourcesSpec().GetCores()).To(BeEquivalentTo(2))

			hosts := readHosts(params.InventoryPath)
			Expect(hosts["ungrouped"]["hosts"]["test-vm"]).To(Equal(map[string]string{
				"ansible_host":                 "51.250.0.1",
				"ansible_user":                 "rizl",
				"ansible_ssh_private_key_file": params.PrivateKeyPath,
			}))
			Expect(readiness.calls).To(BeZero())
		})

		It("tags every cloud call with the reported request ID", func() {
			result := newRunner().Run(ctx, params)

			Expect(result.RequestID).To(MatchRegexp(`^[0-9a-f-]{36}$`))
			Expect(provisioner.requestIDs).To(Equal([]string{result.RequestID}))
		})

		It("uses a fresh request ID per run", func() {
			runner := newRunner()
			first := runner.Run(ctx, params)
			second := runner.Run(ctx, params)

			Expect(first.RequestID).NotTo(Equal(second.RequestID))
			Expect(provisioner.requestIDs).To(Equal([]string{first.RequestID, second.RequestID, second.RequestID}))
		})

		It("keeps other inventory groups", func() {
			Expect(os.MkdirAll(filepath.Dir(params.InventoryPath), 0755)).To(Succeed())
			Expect(os.WriteFile(params.InventoryPath, []byte("db:\n  hosts:\n    pg1:\n      ansible_host: 10.0.0.5\n"), 0644)).To(Succeed())

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeFalse())

			hosts := readHosts(params.InventoryPath)
			Expect(hosts["db"]["hosts"]["pg1"]["ansible_host"]).To(Equal("10.0.0.5"))
			Expect(hosts["ungrouped"]["hosts"]).To(HaveKey("test-vm"))
		})

		It("waits for SSH when asked to", func() {
			params.WaitForSSH = true
			params.SSHTimeout = time.Minute

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeFalse())
			Expect(readiness.calls).To(Equal(1))
			Expect(readiness.config.Host).To(Equal("51.250.0.1"))
			Expect(readiness.config.User).To(Equal("rizl"))
			Expect(readiness.config.PrivateKeyPath).To(Equal(params.PrivateKeyPath))
		})

		It("reports a readiness failure without hiding the created instance", func() {
			params.WaitForSSH = true
			readiness.err = errors.New("cloud-init reported errors")

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeTrue())
			Expect(result.Changed).To(BeTrue())
			Expect(result.InstanceID).To(Equal("fhm000001"))
			Expect(result.Msg).To(ContainSubstring("fhm000001"))
			Expect(result.Msg).To(ContainSubstring("cloud-init reported errors"))
		})
	})

	Context("when the instance already exists", func() {
		BeforeEach(func() {
			cloud.AddInstance("test-vm", "51.250.7.7")
		})

		It("reports success without change", func() {
			result := newRunner().Run(ctx, params)

			Expect(result.Failed).To(BeFalse())
			Expect(result.Changed).To(BeFalse())
			Expect(result.Msg).To(Equal("Compute instance with name test-vm already exists"))
		})

		It("refreshes a stale inventory entry", func() {
			Expect(os.MkdirAll(filepath.Dir(params.InventoryPath), 0755)).To(Succeed())
			stale := "ungrouped:\n  hosts:\n    test-vm:\n      ansible_host: 51.250.1.1\n      ansible_user: rizl\n"
			Expect(os.WriteFile(params.InventoryPath, []byte(stale), 0644)).To(Succeed())

			result := newRunner().Run(ctx, params)
			Expect(result.Changed).To(BeFalse())
			Expect(result.InstanceID).To(Equal("fhm000001"))
			Expect(result.InventoryUpdated).To(BeTrue())

			entry := readHosts(params.InventoryPath)["ungrouped"]["hosts"]["test-vm"]
			Expect(entry["ansible_host"]).To(Equal("51.250.7.7"))
			Expect(entry).To(HaveLen(3))
		})

		It("reports an up-to-date entry as not updated", func() {
			runner := newRunner()
			Expect(runner.Run(ctx, params).InventoryUpdated).To(BeTrue())

			result := runner.Run(ctx, params)
			Expect(result.Failed).To(BeFalse())
			Expect(result.InventoryUpdated).To(BeFalse())
			Expect(result.InventoryPath).To(Equal(params.InventoryPath))
		})

		It("handles a conflict reported by the operation", func() {
			cloud.ConflictInOperation = true

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeFalse())
			Expect(result.Changed).To(BeFalse())
			Expect(result.Msg).To(Equal("Compute instance with name test-vm already exists"))
		})

		It("skips reconciliation when disabled", func() {
			params.ReconcileInventory = false

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeFalse())
			Expect(cloud.ListCalls).To(BeZero())
			_, err := os.Stat(params.InventoryPath)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("does not fail when the lookup fails", func() {
			cloud.ListError = status.Error(codes.PermissionDenied, "no list permission")

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeFalse())
			Expect(result.Changed).To(BeFalse())
			Expect(result.Msg).To(Equal("Compute instance with name test-vm already exists"))
		})
	})

	Context("when creation fails", func() {
		It("reports a permission error verbatim", func() {
			cloud.CreateErrors = []error{status.Error(codes.PermissionDenied, "Permission denied to folder b1gfolder")}

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeTrue())
			Expect(result.Changed).To(BeFalse())
			Expect(result.Msg).To(HavePrefix("failed to create compute instance test-vm: "))
			Expect(result.Msg).To(ContainSubstring("Permission denied to folder b1gfolder"))
			Expect(cloud.CreateCalls).To(Equal(1))
		})

		It("reports an unknown image family", func() {
			params.Request.ImageFamily = "debian-1"

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeTrue())
			Expect(result.Msg).To(ContainSubstring("debian-1"))
			Expect(cloud.CreateCalls).To(BeZero())
		})

		It("reports a failed operation and writes no inventory", func() {
			cloud.PendingPolls = 2
			cloud.OperationError = status.Error(codes.ResourceExhausted, "Quota limit vpc.externalAddresses.count exceeded")

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeTrue())
			Expect(result.Msg).To(ContainSubstring("Quota limit"))
			_, err := os.Stat(params.InventoryPath)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})
	})

	Context("when the inventory cannot be written", func() {
		It("retries transient write failures", func() {
			failing := &failingRecorder{next: recorder, failures: 2, err: errors.New("resource temporarily unavailable")}
			recorder = failing

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeFalse())
			Expect(failing.calls).To(Equal(3))
		})

		It("reports failure but keeps the instance ID", func() {
			Expect(os.MkdirAll(filepath.Dir(params.InventoryPath), 0755)).To(Succeed())
			Expect(os.WriteFile(params.InventoryPath, []byte("- not\n- a mapping\n"), 0644)).To(Succeed())

			result := newRunner().Run(ctx, params)
			Expect(result.Failed).To(BeTrue())
			Expect(result.Changed).To(BeTrue())
			Expect(result.InstanceID).To(Equal("fhm000001"))
			Expect(result.Msg).To(ContainSubstring("fhm000001"))
			Expect(result.Msg).To(ContainSubstring("malformed inventory"))
		})
	})

	Context("in check mode", func() {
		BeforeEach(func() {
			params.CheckMode = true
		})

		It("predicts a change for a missing instance without creating it", func() {
			result := newRunner().Run(ctx, params)

			Expect(result.Failed).To(BeFalse())
			Expect(result.Changed).To(BeTrue())
			Expect(cloud.CreateCalls).To(BeZero())
			_, err := os.Stat(params.InventoryPath)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("reports no change for an existing instance", func() {
			cloud.AddInstance("test-vm", "51.250.7.7")

			result := newRunner().Run(ctx, params)
			Expect(result.Changed).To(BeFalse())
			Expect(result.PublicIP).To(Equal("51.250.7.7"))
			Expect(cloud.CreateCalls).To(BeZero())
		})
	})

	It("builds parameters from module arguments", func() {
		args, err := config.Parse([]byte(`{
			"folder_id": "b1gfolder", "zone": "ru-central1-a", "vm_name": "test-vm",
			"user_name": "rizl", "pub_ssh_key": "/keys/id.pub", "priv_ssh_key": "/keys/id",
			"sa_key": "/keys/sa.json", "playbook_dir": "/srv/pb", "host_group": "yc",
			"wait_for_ssh": true, "ssh_timeout": 60, "_ansible_check_mode": true
		}`))
		Expect(err).NotTo(HaveOccurred())

		p := workflow.ParamsFromArgs(args)
		Expect(p.Request.Name).To(Equal("test-vm"))
		Expect(p.Request.Cores).To(BeEquivalentTo(2))
		Expect(p.InventoryPath).To(Equal("/srv/pb/inventory/yc_hosts.yml"))
		Expect(p.HostGroup).To(Equal("yc"))
		Expect(p.PrivateKeyPath).To(Equal("/keys/id"))
		Expect(p.CheckMode).To(BeTrue())
		Expect(p.ReconcileInventory).To(BeTrue())
		Expect(p.WaitForSSH).To(BeTrue())
		Expect(p.SSHTimeout).To(Equal(time.Minute))
	})
})
