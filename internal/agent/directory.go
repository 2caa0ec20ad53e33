// Package agent manages registered relay agents: their credentials,
// workspace binding and optional HTTP callback endpoint.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/hookrelay/internal/security"
)

var (
	ErrNotFound      = errors.New("agent: not found")
	ErrExists        = errors.New("agent: relay id already registered")
	ErrNoEndpointKey = errors.New("agent: endpoint key not configured")
	ErrInvalidURL    = errors.New("agent: endpoint must be an absolute http(s) URL")
)

// Record is a registered agent. It changes only through credential rotation
// and endpoint updates, and is never removed implicitly.
type Record struct {
	RelayID           string            `json:"relay_id"`
	CredentialHash    string            `json:"-"`
	WorkspaceID       string            `json:"workspace_id"`
	EncryptedEndpoint string            `json:"-"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasEndpoint reports whether the agent can receive HTTP fallback deliveries.
func (r Record) HasEndpoint() bool { return r.EncryptedEndpoint != "" }

// Repository persists agent records.
type Repository interface {
	CreateAgent(ctx context.Context, rec Record) error
	GetAgent(ctx context.Context, relayID string) (Record, error)
	ListAgents(ctx context.Context) ([]Record, error)
	UpdateAgentCredential(ctx context.Context, relayID, credentialHash string) error
	UpdateAgentEndpoint(ctx context.Context, relayID, encryptedEndpoint string) error
}

// Registration describes a new agent.
type Registration struct {
	RelayID     string // generated when empty
	WorkspaceID string
	Endpoint    string // optional HTTP fallback URL, stored encrypted
	Metadata    map[string]string
}

// Directory is the relay's view of registered agents.
type Directory struct {
	repo       Repository
	sealer     *security.EndpointSealer
	bcryptCost int
	logger     *slog.Logger
}

// NewDirectory builds a Directory. sealer may be nil when no agent uses the
// HTTP fallback.
func NewDirectory(repo Repository, sealer *security.EndpointSealer, bcryptCost int, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		repo:       repo,
		sealer:     sealer,
		bcryptCost: bcryptCost,
		logger:     logger.With("component", "agent_directory"),
	}
}

// Register creates an agent and returns its one-time secret.
func (d *Directory) Register(ctx context.Context, reg Registration) (Record, string, error) {
	relayID := strings.TrimSpace(reg.RelayID)
	if relayID == "" {
		relayID = "agt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	secret, err := security.GenerateSecret()
	if err != nil {
		return Record{}, "", err
	}
	hash, err := security.HashCredential(secret, d.bcryptCost)
	if err != nil {
		return Record{}, "", err
	}
	now := time.Now().UTC()
	rec := Record{
		RelayID:        relayID,
		CredentialHash: hash,
		WorkspaceID:    reg.WorkspaceID,
		Metadata:       reg.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if reg.Endpoint != "" {
		enc, err := d.sealEndpoint(reg.Endpoint)
		if err != nil {
			return Record{}, "", err
		}
		rec.EncryptedEndpoint = enc
	}
	if err := d.repo.CreateAgent(ctx, rec); err != nil {
		return Record{}, "", err
	}
	d.logger.Info("agent registered", "relay_id", relayID, "workspace_id", reg.WorkspaceID, "http_fallback", rec.HasEndpoint())
	return rec, secret, nil
}

// Lookup returns the agent or ErrNotFound.
func (d *Directory) Lookup(ctx context.Context, relayID string) (Record, error) {
	return d.repo.GetAgent(ctx, relayID)
}

// List returns all agents ordered by relay id.
func (d *Directory) List(ctx context.Context) ([]Record, error) {
	recs, err := d.repo.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].RelayID < recs[j].RelayID })
	return recs, nil
}

// Authenticate checks a credential. Unknown agents and wrong secrets are
// indistinguishable to the caller and take the same bcrypt path.
func (d *Directory) Authenticate(ctx context.Context, relayID, secret string) (Record, bool) {
	rec, err := d.repo.GetAgent(ctx, relayID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Error("agent lookup failed", "relay_id", relayID, "error", err)
		}
		security.VerifyCredential("", secret)
		return Record{}, false
	}
	if !security.VerifyCredential(rec.CredentialHash, secret) {
		return Record{}, false
	}
	return rec, true
}

// Rotate replaces the agent's credential and returns the new secret. Live
// sessions keep running until they reconnect.
func (d *Directory) Rotate(ctx context.Context, relayID string) (string, error) {
	if _, err := d.repo.GetAgent(ctx, relayID); err != nil {
		return "", err
	}
	secret, err := security.GenerateSecret()
	if err != nil {
		return "", err
	}
	hash, err := security.HashCredential(secret, d.bcryptCost)
	if err != nil {
		return "", err
	}
	if err := d.repo.UpdateAgentCredential(ctx, relayID, hash); err != nil {
		return "", err
	}
	d.logger.Info("agent credential rotated", "relay_id", relayID)
	return secret, nil
}

// SetEndpoint sets or, with an empty endpoint, clears the HTTP fallback URL.
func (d *Directory) SetEndpoint(ctx context.Context, relayID, endpoint string) error {
	if _, err := d.repo.GetAgent(ctx, relayID); err != nil {
		return err
	}
	enc := ""
	if endpoint != "" {
		var err error
		if enc, err = d.sealEndpoint(endpoint); err != nil {
			return err
		}
	}
	if err := d.repo.UpdateAgentEndpoint(ctx, relayID, enc); err != nil {
		return err
	}
	d.logger.Info("agent endpoint updated", "relay_id", relayID, "http_fallback", enc != "")
	return nil
}

// Endpoint decrypts the agent's HTTP fallback URL.
func (d *Directory) Endpoint(rec Record) (string, error) {
	if !rec.HasEndpoint() {
		return "", nil
	}
	if d.sealer == nil {
		return "", ErrNoEndpointKey
	}
	return d.sealer.Decrypt(rec.EncryptedEndpoint)
}

func (d *Directory) sealEndpoint(endpoint string) (string, error) {
	if d.sealer == nil {
		return "", ErrNoEndpointKey
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	return d.sealer.Encrypt(endpoint)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	agents map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{agents: make(map[string]Record)}
}

func (m *MemoryRepository) CreateAgent(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[rec.RelayID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.RelayID)
	}
	m.agents[rec.RelayID] = rec
	return nil
}

func (m *MemoryRepository) GetAgent(_ context.Context, relayID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[relayID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRepository) ListAgents(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryRepository) UpdateAgentCredential(_ context.Context, relayID, hash string) error {
	return m.update(relayID, func(r *Record) { r.CredentialHash = hash })
}

func (m *MemoryRepository) UpdateAgentEndpoint(_ context.Context, relayID, enc string) error {
	return m.update(relayID, func(r *Record) { r.EncryptedEndpoint = enc })
}

func (m *MemoryRepository) update(relayID string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[relayID]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()
	m.agents[relayID] = rec
	return nil
}
