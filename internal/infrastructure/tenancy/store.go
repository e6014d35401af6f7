package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/cache"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// Header names consumed during resolution
const (
	HeaderTenant        = "X-Tenant"
	HeaderRequestID     = "X-Request-ID"
	HeaderChannelToken  = "X-Onlychannel-Token"
	HeaderAuthorization = "Authorization"
)

const (
	// ChannelTokenPrefix marks opaque channel credentials
	ChannelTokenPrefix = "ak_"
	// MaxRequestIDLength bounds caller supplied request IDs
	MaxRequestIDLength = 128
	// MaxTenantIDLength bounds tenant identifiers
	MaxTenantIDLength = 64
	// DefaultSnapshotTTL is used when no TTL is configured
	DefaultSnapshotTTL = 24 * time.Hour

	snapshotWriteTimeout = 2 * time.Second
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SnapshotKey is the cache key of a tenant's context snapshot
func SnapshotKey(tenantID string) string { return tenantID + ":hub:context" }

// LegacySnapshotKey is the read-only alias written by older deployments
func LegacySnapshotKey(tenantID string) string { return "hub:context:" + tenantID }

// TokenKey maps a channel token to its tenant
func TokenKey(token string) string { return "token:onlychannel:" + token }

// TenantTokenKey maps a tenant to its channel token
func TenantTokenKey(tenantID string) string { return tenantID + ":onlychannel:token" }

// Snapshot is the cached summary of a tenant's latest activity
type Snapshot struct {
	TenantID       string    `json:"tenantId"`
	ActorID        string    `json:"actorId,omitempty"`
	ChannelToken   string    `json:"channelToken,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// SnapshotInput is the optional data mirrored alongside the tenant
type SnapshotInput struct {
	ActorID string
	Token   string
}

// Store resolves tenant scopes from requests and mirrors them to the shared store
type Store struct {
	cache          cache.Store
	ttl            time.Duration
	exemptPrefixes []string
	logger         *zap.Logger
	clock          clock.Clock
	pending        sync.WaitGroup
}

// Option configures a Store
type Option func(*Store)

// WithSnapshotTTL sets the TTL of snapshots and token index entries
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithExemptPrefixes sets the path prefixes that resolve to the system tenant
func WithExemptPrefixes(prefixes []string) Option {
	return func(s *Store) {
		s.exemptPrefixes = append([]string(nil), prefixes...)
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock replaces the wall clock used for snapshot timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a tenant context store backed by the shared cache
func NewStore(c cache.Store, opts ...Option) *Store {
	s := &Store{
		cache:  c,
		ttl:    DefaultSnapshotTTL,
		logger: zap.NewNop(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsExempt reports whether path resolves to the system tenant
func (s *Store) IsExempt(path string) bool {
	for _, prefix := range s.exemptPrefixes {
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// Resolve determines the tenant scope of an inbound request.
//
// Precedence: X-Tenant header, then a channel token (index lookup, falling
// back to the token's own structure), then the authenticated principal.
// Exempt paths that carry no usable tenant resolve to SystemTenant.
func (s *Store) Resolve(ctx context.Context, r *http.Request) (TenantContext, error) {
	tc := TenantContext{RequestID: requestID(r)}

	principal, hasPrincipal := PrincipalFrom(r.Context())
	if hasPrincipal {
		tc.ActorID = principal.ActorID
	}

	token := ChannelTokenFromRequest(r)
	tc.ChannelToken = token

	var tokenTenant string
	if token != "" {
		tokenTenant = s.tenantForToken(ctx, token)
	}

	tenantID, err := resolveTenant(r, tokenTenant, principal, hasPrincipal)
	if err != nil {
		if s.IsExempt(r.URL.Path) {
			tc.TenantID = SystemTenant
			return tc, nil
		}
		return TenantContext{}, err
	}
	tc.TenantID = tenantID

	// The token index only ever maps a token to the tenant it belongs to.
	indexToken := ""
	if token != "" && tokenTenant == tc.TenantID {
		indexToken = token
	}
	s.scheduleSnapshot(ctx, tc, indexToken)
	return tc, nil
}

func resolveTenant(r *http.Request, tokenTenant string, principal Principal, hasPrincipal bool) (string, error) {
	if header := strings.TrimSpace(r.Header.Get(HeaderTenant)); header != "" {
		if !ValidTenantID(header) {
			return "", shared.ErrInvalidTenant
		}
		return header, nil
	}
	if tokenTenant != "" {
		return tokenTenant, nil
	}
	if hasPrincipal && principal.TenantID != "" {
		return principal.TenantID, nil
	}
	return "", shared.ErrMissingTenant
}

func (s *Store) tenantForToken(ctx context.Context, token string) string {
	tenantID, ok, err := s.LookupChannelToken(ctx, token)
	if err != nil {
		logger.For(ctx, s.logger).Warn("channel token lookup failed, parsing token", zap.Error(err))
	}
	if ok {
		return tenantID
	}
	tenantID, _ = ParseChannelToken(token)
	return tenantID
}

// scheduleSnapshot writes the snapshot in the background; failures only log
func (s *Store) scheduleSnapshot(ctx context.Context, tc TenantContext, token string) {
	base := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		writeCtx, cancel := context.WithTimeout(base, snapshotWriteTimeout)
		defer cancel()
		in := SnapshotInput{ActorID: tc.ActorID, Token: token}
		if err := s.CacheSnapshot(writeCtx, tc.TenantID, in, 0); err != nil {
			s.logger.Warn("failed to cache tenant context snapshot",
				zap.String("tenant_id", tc.TenantID),
				zap.String("request_id", tc.RequestID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all pending snapshot writes have finished
func (s *Store) Wait() {
	s.pending.Wait()
}

// CacheSnapshot writes the tenant snapshot and, for channel tokens, both
// directions of the token index. A non-positive ttl uses the store default.
func (s *Store) CacheSnapshot(ctx context.Context, tenantID string, in SnapshotInput, ttl time.Duration) error {
	if tenantID == "" {
		return shared.ErrMissingTenant
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	snap := Snapshot{
		TenantID:       tenantID,
		ActorID:        in.ActorID,
		LastActivityAt: s.clock.Now().UTC(),
	}
	isChannel := IsChannelToken(in.Token)
	if isChannel {
		snap.ChannelToken = in.Token
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var errs []error
	if err := s.cache.Set(ctx, SnapshotKey(tenantID), string(payload), ttl); err != nil {
		errs = append(errs, err)
	}
	if isChannel {
		if err := s.cache.Set(ctx, TokenKey(in.Token), tenantID, ttl); err != nil {
			errs = append(errs, err)
		}
		if err := s.cache.Set(ctx, TenantTokenKey(tenantID), in.Token, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadSnapshot returns the tenant's snapshot, falling back to the legacy key
func (s *Store) ReadSnapshot(ctx context.Context, tenantID string) (Snapshot, bool, error) {
	for _, key := range []string{SnapshotKey(tenantID), LegacySnapshotKey(tenantID)} {
		raw, err := s.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return Snapshot{}, false, err
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
		}
		return snap, true, nil
	}
	return Snapshot{}, false, nil
}

// LookupChannelToken resolves a channel token through the index
func (s *Store) LookupChannelToken(ctx context.Context, token string) (string, bool, error) {
	return s.lookup(ctx, TokenKey(token))
}

// TokenForTenant returns the channel token last seen for a tenant
func (s *Store) TokenForTenant(ctx context.Context, tenantID string) (string, bool, error) {
	return s.lookup(ctx, TenantTokenKey(tenantID))
}

func (s *Store) lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := s.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, val != "", nil
}

// IsChannelToken reports whether token carries the channel prefix
func IsChannelToken(token string) bool {
	return strings.HasPrefix(token, ChannelTokenPrefix)
}

// ParseChannelToken extracts the tenant from a token shaped ak_<tenant>_<rest>
func ParseChannelToken(token string) (string, bool) {
	if !IsChannelToken(token) {
		return "", false
	}
	parts := strings.Split(token, "_")
	if len(parts) < 3 || parts[1] == "" {
		return "", false
	}
	if !ValidTenantID(parts[1]) {
		return "", false
	}
	return parts[1], true
}

// ChannelTokenFromRequest returns the channel token from the Authorization
// bearer or the dedicated header. Tokens without the ak_ prefix are ignored.
func ChannelTokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get(HeaderAuthorization); len(auth) > len("Bearer ") &&
		strings.EqualFold(auth[:len("Bearer ")], "Bearer ") {
		if token := strings.TrimSpace(auth[len("Bearer "):]); IsChannelToken(token) {
			return token
		}
	}
	if token := strings.TrimSpace(r.Header.Get(HeaderChannelToken)); IsChannelToken(token) {
		return token
	}
	return ""
}

// ValidTenantID reports whether id is an acceptable tenant identifier
func ValidTenantID(id string) bool {
	return len(id) <= MaxTenantIDLength && tenantIDPattern.MatchString(id)
}

func requestID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if id == "" {
		return uuid.NewString()
	}
	if len(id) > MaxRequestIDLength {
		id = id[:MaxRequestIDLength]
	}
	return id
}
