package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// Request headers carrying credentials.
const (
	HeaderAPIKey      = "X-API-Key"
	HeaderBuildToken  = "X-Build-Token"
	HeaderWorkerID    = "X-Worker-Id"
	HeaderWorkerToken = "X-Worker-Token"
)

// Kind identifies which credential class a request resolved to.
type Kind int

const (
	// KindAdmin holds the shared API key; full control-plane access.
	KindAdmin Kind = iota
	// KindBuild holds a per-build ephemeral token; access to that build
	// only.
	KindBuild
	// KindWorker holds a live worker session token.
	KindWorker
)

// Principal is the resolved identity of a request.
type Principal struct {
	Kind   Kind
	Worker *types.Worker
	Build  *types.Build
}

// CanAccessBuild reports whether the principal may act on the given build.
func (p *Principal) CanAccessBuild(b *types.Build) bool {
	switch p.Kind {
	case KindAdmin:
		return true
	case KindBuild:
		return p.Build != nil && p.Build.ID == b.ID
	case KindWorker:
		return p.Worker != nil && b.WorkerID == p.Worker.ID
	}
	return false
}

// Gate resolves request credentials against the configured API key and the
// store. Precedence: admin key, then build token, then worker session.
type Gate struct {
	apiKey []byte
	store  storage.Store

	// dummy is compared against when the target record does not exist,
	// so a missing principal costs the same as a wrong token.
	dummy string
}

// NewGate creates a Gate for the configured admin key.
func NewGate(apiKey string, store storage.Store) *Gate {
	dummy, err := NewToken()
	if err != nil {
		// crypto/rand failing is unrecoverable anyway; a fixed filler
		// keeps the comparison path uniform.
		dummy = strings.Repeat("x", 43)
	}
	return &Gate{apiKey: []byte(apiKey), store: store, dummy: dummy}
}

func tokensEqual(presented, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}

// Resolve authenticates the request. buildID names the build targeted by
// build-scoped endpoints; pass "" for endpoints without a build target.
//
// Returns types.ErrUnauthenticated when no credential header is present at
// all, types.ErrForbidden when a presented credential is wrong.
func (g *Gate) Resolve(ctx context.Context, hdr http.Header, buildID string) (*Principal, error) {
	apiKey := hdr.Get(HeaderAPIKey)
	buildToken := hdr.Get(HeaderBuildToken)
	workerID := hdr.Get(HeaderWorkerID)
	workerToken := hdr.Get(HeaderWorkerToken)

	if apiKey == "" && buildToken == "" && workerID == "" && workerToken == "" {
		return nil, types.ErrUnauthenticated
	}

	if apiKey != "" {
		if tokensEqual(apiKey, string(g.apiKey)) {
			return &Principal{Kind: KindAdmin}, nil
		}
		return nil, fmt.Errorf("api key mismatch: %w", types.ErrForbidden)
	}

	if buildToken != "" {
		return g.resolveBuildToken(ctx, buildToken, buildID)
	}

	return g.resolveWorker(ctx, workerID, workerToken)
}

func (g *Gate) resolveBuildToken(ctx context.Context, token, buildID string) (*Principal, error) {
	if buildID == "" {
		tokensEqual(token, g.dummy)
		return nil, fmt.Errorf("build token on non-build endpoint: %w", types.ErrForbidden)
	}

	b, err := g.store.GetBuild(ctx, buildID)
	if err != nil {
		// Compare anyway: an attacker must not be able to tell a
		// missing build from a wrong token by timing.
		tokensEqual(token, g.dummy)
		return nil, fmt.Errorf("build %s: %w", buildID, types.ErrForbidden)
	}

	if !tokensEqual(token, b.AccessToken) {
		return nil, fmt.Errorf("build token mismatch: %w", types.ErrForbidden)
	}
	return &Principal{Kind: KindBuild, Build: b}, nil
}

func (g *Gate) resolveWorker(ctx context.Context, workerID, token string) (*Principal, error) {
	if workerID == "" || token == "" {
		tokensEqual(token, g.dummy)
		return nil, fmt.Errorf("incomplete worker credentials: %w", types.ErrForbidden)
	}

	w, err := g.store.GetWorker(ctx, workerID)
	if err != nil {
		tokensEqual(token, g.dummy)
		return nil, fmt.Errorf("worker %s: %w", workerID, types.ErrForbidden)
	}

	if !tokensEqual(token, w.AccessToken) {
		return nil, fmt.Errorf("worker token mismatch: %w", types.ErrForbidden)
	}
	if time.Now().After(w.AccessTokenExpiresAt) {
		return nil, fmt.Errorf("worker session expired: %w", types.ErrForbidden)
	}
	return &Principal{Kind: KindWorker, Worker: w}, nil
}
