// Package identity authenticates observers and operators and reports
// per-tenant bot quotas.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
)

type Role string

const (
	RoleTenant Role = "tenant"
	RoleAdmin  Role = "admin"
)

type Principal struct {
	Subject  string
	TenantID string
	Role     Role
}

// CanSee reports whether p may observe or manage tenantID.
func (p Principal) CanSee(tenantID string) bool {
	if p.Role == RoleAdmin {
		return true
	}
	return p.Role == RoleTenant && p.TenantID != "" && p.TenantID == tenantID
}

type Credentials struct {
	Token string
}

type Quota struct {
	Granted  int `json:"granted"`
	Consumed int `json:"consumed"`
}

type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) (Principal, error)
	GetQuota(ctx context.Context, tenantID string) (Quota, error)
}

// TenantReader is the slice of the record store the provider needs.
type TenantReader interface {
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	CountActiveSessions(ctx context.Context, tenantID string) (int, error)
}

type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 bearer tokens and reads quotas from the
// record store.
type JWTProvider struct {
	secret  []byte
	tenants TenantReader
}

func NewJWTProvider(secret string, tenants TenantReader) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), tenants: tenants}
}

var ErrInvalidToken = errors.New("invalid token")

func (p *JWTProvider) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	if creds.Token == "" {
		return Principal{}, fault.Wrap(fault.CodeForbidden, ErrInvalidToken, "missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(creds.Token, claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Principal{}, fault.Wrap(fault.CodeForbidden, ErrInvalidToken, "authenticate")
	}

	switch claims.Role {
	case RoleAdmin:
	case RoleTenant:
		if claims.TenantID == "" {
			return Principal{}, fault.New(fault.CodeForbidden, "tenant token without tenant id")
		}
	default:
		return Principal{}, fault.New(fault.CodeForbidden, "unknown role %q", claims.Role)
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID, Role: claims.Role}, nil
}

// GetQuota reports the tenant's granted credits (zero for inactive tenants)
// and the number of active sessions on record.
func (p *JWTProvider) GetQuota(ctx context.Context, tenantID string) (Quota, error) {
	t, err := p.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return Quota{}, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	consumed, err := p.tenants.CountActiveSessions(ctx, tenantID)
	if err != nil {
		return Quota{}, fmt.Errorf("count sessions of %s: %w", tenantID, err)
	}
	granted := t.Granted
	if !t.Active {
		granted = 0
	}
	return Quota{Granted: granted, Consumed: consumed}, nil
}

// IssueToken signs a token for principal, valid for ttl.
func IssueToken(secret string, principal Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: principal.TenantID,
		Role:     principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
