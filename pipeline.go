// Package smsecure assembles the secure SMS/MMS delivery pipeline: the
// requirement-gated job queue, the ratchet session cipher, transport framing
// and the persistent message store, wired together with explicit dependency
// injection. Hosts construct a Pipeline with their transport and notifier,
// unlock it with the user's passphrase, and move messages through the
// Sender facade.
package smsecure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/config"
	"github.com/opd-ai/smsecure/crypto"
	"github.com/opd-ai/smsecure/jobs"
	"github.com/opd-ai/smsecure/notify"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
	"github.com/opd-ai/smsecure/transport"
	"github.com/opd-ai/smsecure/wire"
)

// Pipeline owns every component of the delivery subsystem.
type Pipeline struct {
	Sender   *jobs.Sender
	Queue    *queue.Queue
	Env      *queue.Env
	Secrets  *crypto.MasterSecretCache
	Cipher   *crypto.SessionCipher
	Messages *store.MessageStore

	identity  *crypto.KeyPair
	jobStore  *queue.JobStore
	assembler *wire.Assembler
}

// New constructs a pipeline from configuration and the host's transport,
// notifier and optional attachment scaler. The pipeline starts locked; jobs
// needing key material park until Unlock.
func New(ctx context.Context, cfg config.Config, t transport.Transport, n notify.Notifier, scaler jobs.AttachmentScaler) (*Pipeline, error) {
	secrets, err := crypto.NewMasterSecretCache(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("master secret cache: %w", err)
	}

	sessions, err := crypto.NewFileSessionStore(cfg.DataDir, secrets)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	identity, err := loadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}

	messages, err := store.Open(ctx, cfg.MessageDBPath)
	if err != nil {
		return nil, fmt.Errorf("message store: %w", err)
	}

	jobStore, err := queue.OpenJobStore(ctx, cfg.JobDBPath)
	if err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}

	env := queue.NewEnv(secrets)
	q := queue.New(cfg.PoolSize, jobStore)
	env.Subscribe(q.Wake)

	if n == nil {
		n = notify.NewLogNotifier()
	}

	deps := &jobs.Deps{
		Messages:  messages,
		Cipher:    crypto.NewSessionCipher(sessions, identity),
		Sessions:  sessions,
		Secrets:   secrets,
		Transport: t,
		Notifier:  n,
		Queue:     q,
		Env:       env,
		Assembler: wire.NewAssembler(cfg.ReassemblyTimeout),
		Scaler:    scaler,
		Options: jobs.Options{
			SubscriptionID:         cfg.SubscriptionID,
			SmsMaxRetries:          cfg.SmsMaxRetries,
			AutoRespondKeyExchange: cfg.AutoRespondKeyExchange,
			AutoDownloadMms:        cfg.AutoDownloadMms,
			MaxAttachmentSize:      cfg.MaxAttachmentSize,
			MaxAutoDownloadSize:    cfg.MaxAutoDownloadSize,
		},
	}
	jobs.RegisterFactories(deps)

	return &Pipeline{
		Sender:    jobs.NewSender(deps),
		Queue:     q,
		Env:       env,
		Secrets:   secrets,
		Cipher:    deps.Cipher,
		Messages:  messages,
		identity:  identity,
		jobStore:  jobStore,
		assembler: deps.Assembler,
	}, nil
}

// Start replays persisted jobs in submission order and launches dispatch.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.Queue.Restore(ctx); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	p.Queue.Start()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"queued":   p.Queue.Len(),
	}).Info("Pipeline started")
	return nil
}

// Unlock derives the master key from the passphrase and wakes jobs parked
// on key material.
func (p *Pipeline) Unlock(passphrase []byte) error {
	if err := p.Secrets.Unlock(passphrase); err != nil {
		return err
	}
	p.Env.SecretsChanged()
	return nil
}

// Lock wipes the in-memory master key. Jobs needing it park until the next
// Unlock.
func (p *Pipeline) Lock() {
	p.Secrets.Lock()
	p.Env.SecretsChanged()
}

// Identity returns the public identity key to share with peers.
func (p *Pipeline) Identity() [32]byte {
	return p.identity.Public
}

// Close stops dispatch and releases every resource.
func (p *Pipeline) Close() error {
	p.Queue.Stop()
	p.assembler.Close()

	var firstErr error
	if err := p.Messages.Close(); err != nil {
		firstErr = err
	}
	if err := p.jobStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// loadOrCreateIdentity loads the long-lived identity key pair, generating
// and persisting one on first run.
func loadOrCreateIdentity(dataDir string) (*crypto.KeyPair, error) {
	path := filepath.Join(dataDir, "identity.key")

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("identity file %s is corrupt", path)
		}
		var secret [32]byte
		copy(secret[:], data)
		crypto.ZeroizeKey(data)
		return crypto.FromSecretKey(secret)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, kp.Private[:], 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return kp, nil
}
