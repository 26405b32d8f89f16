package prover

import (
	"context"
	"sync"
	"time"
)

// DeviceCapability is a proof capability bound to a specific accelerator
// device. Implementations live in accelerator-specific builds; the core
// only sees this interface.
type DeviceCapability interface {
	Capability
	Device() int
}

// GPUFactory opens a device capability for the given device index
type GPUFactory func(device int) (DeviceCapability, error)

var (
	gpuMu      sync.RWMutex
	gpuFactory GPUFactory
)

// RegisterGPU installs the accelerator factory. Called from the init of an
// accelerator-enabled build; without it every GPU slot request fails with
// ErrDeviceUnavailable and the daemon runs CPU-only.
func RegisterGPU(factory GPUFactory) {
	gpuMu.Lock()
	defer gpuMu.Unlock()
	gpuFactory = factory
}

// HasGPU reports whether an accelerator factory is linked into this build
func HasGPU() bool {
	gpuMu.RLock()
	defer gpuMu.RUnlock()
	return gpuFactory != nil
}

// NewGPUEngine opens the given device and wraps it as an Engine
func NewGPUEngine(device int) (*GPUEngine, error) {
	gpuMu.RLock()
	factory := gpuFactory
	gpuMu.RUnlock()

	if factory == nil {
		return nil, ErrDeviceUnavailable
	}

	capability, err := factory(device)
	if err != nil {
		return nil, err
	}
	return &GPUEngine{capability: capability, device: device}, nil
}

// GPUEngine runs attempts on an accelerator device
type GPUEngine struct {
	capability DeviceCapability
	device     int
}

// Device returns the backing device index
func (e *GPUEngine) Device() int {
	return e.device
}

// Attempt implements Engine
func (e *GPUEngine) Attempt(ctx context.Context, job *Job, address string, nonce uint64, slot Slot) (*ProofResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	start := time.Now()
	proof, err := e.capability.Prove(ctx, job.EpochChallenge, address, nonce, TargetFromDifficulty(job.TargetDifficulty))
	if err != nil {
		return nil, err
	}

	return &ProofResult{
		Generation: job.Generation,
		Nonce:      nonce,
		Proof:      proof,
		Address:    address,
		SlotID:     slot.ID,
		Elapsed:    time.Since(start),
	}, nil
}
