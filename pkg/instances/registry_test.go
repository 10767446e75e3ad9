package instances

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/marketplace"
)

type fakeProvider struct {
	mu        sync.Mutex
	machine   marketplace.Machine
	getErr    error
	launched  []marketplace.LaunchRequest
	stopped   []string
	destroyed []string
}

func (f *fakeProvider) Launch(_ context.Context, req marketplace.LaunchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, req)
	return "contract-1", nil
}

func (f *fakeProvider) Get(_ context.Context, _ string) (marketplace.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machine, f.getErr
}

func (f *fakeProvider) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeProvider) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

func newTestRegistry(t *testing.T, p *fakeProvider, opts ...Option) *Registry {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewRegistry(store, p, logging.Discard(), opts...)
}

func TestProvisionRecordsLaunchingInstance(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRegistry(t, p)

	inst, err := r.Provision(context.Background(), ProvisionSpec{OfferID: "offer-9", Image: "comfy:latest", SSHPrivateKey: "  PEM  "})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if inst.Status != StatusLaunching || inst.ExternalID != "contract-1" {
		t.Fatalf("unexpected instance %#v", inst)
	}
	if inst.SSHPrivateKey != "PEM\n" {
		t.Fatalf("private key not normalised: %q", inst.SSHPrivateKey)
	}
	if len(p.launched) != 1 || p.launched[0].OfferID != "offer-9" {
		t.Fatalf("provider not called with offer: %#v", p.launched)
	}
}

func TestProvisionValidatesSpec(t *testing.T) {
	r := newTestRegistry(t, &fakeProvider{})
	if _, err := r.Provision(context.Background(), ProvisionSpec{Image: "x"}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected missing offer error, got %v", err)
	}
}

type failingRepo struct {
	*Store
	createErr error
	updateErr error
}

func (f *failingRepo) Create(inst *Instance) (*Instance, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.Store.Create(inst)
}

func (f *failingRepo) Update(id string, fn func(i *Instance) error) (*Instance, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.Store.Update(id, fn)
}

func TestProvisionDestroysContractWhenRecordingFails(t *testing.T) {
	cases := map[string]*failingRepo{
		"create": {createErr: errors.New("disk full")},
		"status": {updateErr: errors.New("disk full")},
	}
	for name, repo := range cases {
		t.Run(name, func(t *testing.T) {
			store, err := NewStore("")
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			repo.Store = store
			p := &fakeProvider{}
			r := NewRegistry(repo, p, logging.Discard())

			if _, err := r.Provision(context.Background(), ProvisionSpec{OfferID: "o", Image: "img"}); err == nil {
				t.Fatal("expected provision to fail")
			}
			if len(p.destroyed) != 1 || p.destroyed[0] != "contract-1" {
				t.Fatalf("contract not destroyed: %#v", p.destroyed)
			}
		})
	}
}

func TestRefreshAppliesMarketplaceState(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRegistry(t, p)
	inst, _ := r.Provision(context.Background(), ProvisionSpec{OfferID: "o", Image: "img"})

	p.machine = marketplace.Machine{
		State:    marketplace.StateRunning,
		RawState: "running",
		PublicIP: "198.51.100.4",
		SSHHost:  "ssh2.example.net",
		SSHPort:  30022,
		Ports:    map[string]int{"8188": 41000},
		GPUName:  "A100",
		NumGPUs:  1,
	}
	got, err := r.Refresh(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Status != StatusRunning || got.Address != "198.51.100.4" || got.SSHPort != 30022 {
		t.Fatalf("refresh did not apply machine: %#v", got)
	}
	if got.Hardware.GPUName != "A100" || got.Ports["8188"] != 41000 {
		t.Fatalf("hardware or ports missing: %#v", got)
	}
}

func TestRefreshMissingMachineMarksStopped(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRegistry(t, p)
	inst, _ := r.Provision(context.Background(), ProvisionSpec{OfferID: "o", Image: "img"})

	p.getErr = marketplace.ErrNotFound
	got, err := r.Refresh(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", got.Status)
	}
}

func TestStopAndDeletePreconditions(t *testing.T) {
	p := &fakeProvider{machine: marketplace.Machine{State: marketplace.StateRunning}}
	var hooked []string
	r := newTestRegistry(t, p, WithStopHook(func(id string) { hooked = append(hooked, id) }))
	inst, _ := r.Provision(context.Background(), ProvisionSpec{OfferID: "o", Image: "img"})
	if _, err := r.Refresh(context.Background(), inst.ID); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := r.Delete(context.Background(), inst.ID); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected delete of running instance to fail, got %v", err)
	}

	stopped, err := r.Stop(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != StatusStopping {
		t.Fatalf("expected stopping, got %s", stopped.Status)
	}
	if len(hooked) != 1 || hooked[0] != inst.ID {
		t.Fatalf("stop hook not invoked: %v", hooked)
	}
	if _, err := r.Stop(context.Background(), inst.ID); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected second stop to be rejected, got %v", err)
	}

	if err := r.Delete(context.Background(), inst.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(p.destroyed) != 1 {
		t.Fatalf("expected destroy call, got %v", p.destroyed)
	}
}
