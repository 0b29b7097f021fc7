package queue

import (
	"sync"

	"github.com/opd-ai/smsecure/crypto"
)

// Requirement is a precondition predicate gating job dispatch. Evaluation
// is pure; the queue re-checks every requirement on each dispatch attempt,
// so an unmet requirement parks a job without failing it.
type Requirement interface {
	Name() string
	IsPresent() bool
}

// Env is the shared environment requirements read from: connectivity flags
// and the master-secret cache. Mutations notify subscribers so parked jobs
// are re-evaluated promptly instead of waiting for the next poll.
type Env struct {
	mu      sync.RWMutex
	network bool
	service bool
	media   bool
	secrets *crypto.MasterSecretCache

	onChange []func()
}

// NewEnv creates an environment with all connectivity flags down.
func NewEnv(secrets *crypto.MasterSecretCache) *Env {
	return &Env{secrets: secrets}
}

// Subscribe registers a callback invoked after every environment change.
func (e *Env) Subscribe(fn func()) {
	e.mu.Lock()
	e.onChange = append(e.onChange, fn)
	e.mu.Unlock()
}

func (e *Env) notify() {
	e.mu.RLock()
	subscribers := append([]func(){}, e.onChange...)
	e.mu.RUnlock()

	for _, fn := range subscribers {
		fn()
	}
}

// SetNetwork records data-network availability.
func (e *Env) SetNetwork(up bool) {
	e.mu.Lock()
	e.network = up
	e.mu.Unlock()
	e.notify()
}

// SetService records carrier-service availability.
func (e *Env) SetService(up bool) {
	e.mu.Lock()
	e.service = up
	e.mu.Unlock()
	e.notify()
}

// SetMediaNetwork records MMS-capable network availability.
func (e *Env) SetMediaNetwork(up bool) {
	e.mu.Lock()
	e.media = up
	e.mu.Unlock()
	e.notify()
}

// SecretsChanged re-evaluates parked jobs after the master secret was
// unlocked or wiped.
func (e *Env) SecretsChanged() {
	e.notify()
}

func (e *Env) networkPresent() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.network
}

func (e *Env) servicePresent() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.service
}

func (e *Env) mediaPresent() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.media
}

func (e *Env) secretsPresent() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.secrets != nil && e.secrets.Available()
}

// NetworkRequirement gates on data-network availability.
type NetworkRequirement struct{ Env *Env }

// Name identifies the requirement in logs and persistence.
func (r NetworkRequirement) Name() string { return "network" }

// IsPresent reports whether the data network is up.
func (r NetworkRequirement) IsPresent() bool { return r.Env.networkPresent() }

// ServiceRequirement gates on carrier service, which drops during calls on
// some radio configurations.
type ServiceRequirement struct{ Env *Env }

// Name identifies the requirement.
func (r ServiceRequirement) Name() string { return "service" }

// IsPresent reports whether carrier service is ready.
func (r ServiceRequirement) IsPresent() bool { return r.Env.servicePresent() }

// MediaNetworkRequirement gates MMS jobs on an MMS-capable connection.
type MediaNetworkRequirement struct{ Env *Env }

// Name identifies the requirement.
func (r MediaNetworkRequirement) Name() string { return "media-network" }

// IsPresent reports whether an MMS-capable network is up.
func (r MediaNetworkRequirement) IsPresent() bool { return r.Env.mediaPresent() }

// MasterSecretRequirement parks jobs needing key material while the device
// is locked. The owning message is marked awaiting key, never dropped.
type MasterSecretRequirement struct{ Env *Env }

// Name identifies the requirement.
func (r MasterSecretRequirement) Name() string { return "master-secret" }

// IsPresent reports whether the master secret is in memory.
func (r MasterSecretRequirement) IsPresent() bool { return r.Env.secretsPresent() }
