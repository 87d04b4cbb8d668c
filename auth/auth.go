// Package auth turns bearer tokens into a Principal carrying a typed role and
// its permission set. Authorization decisions are taken on the permission set
// only, never on identifiers or role names.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vocdoni/ballot-integrity/types"
)

// Role is the kind of account a principal authenticated as.
type Role string

const (
	RoleVoter Role = "voter"
	RoleAdmin Role = "admin"
)

// Permission is a capability granted to a principal.
type Permission uint32

const (
	// PermCastBallot allows casting ballots in the principal's own name.
	PermCastBallot Permission = 1 << iota
	// PermReadOwnBallot allows verifying the principal's own ballots.
	PermReadOwnBallot
	// PermReadAnyBallot allows verifying every ballot.
	PermReadAnyBallot
	// PermReadLiveResults allows reading results before an election is completed.
	PermReadLiveResults
	// PermAudit allows reading the audit trail of an election.
	PermAudit
	// PermManageElections allows creating elections and importing the roll.
	PermManageElections
	// PermEnroll allows enrolling the principal's own biometric template.
	PermEnroll
)

var rolePermissions = map[Role]Permission{
	RoleVoter: PermCastBallot | PermReadOwnBallot | PermEnroll,
	RoleAdmin: PermReadAnyBallot | PermReadLiveResults | PermAudit | PermManageElections,
}

var (
	// ErrInvalidToken is returned for malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for tokens past their expiration.
	ErrExpiredToken = errors.New("token expired")
)

// Principal is an authenticated caller.
type Principal struct {
	ID string
	// SecondFactor is true when the caller passed an authentication factor
	// other than biometrics, which allows enrollment on first use.
	SecondFactor bool
	role         Role
	perms        Permission
}

// NewPrincipal resolves the permission set of a role.
func NewPrincipal(id string, role Role, secondFactor bool) (*Principal, error) {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if !types.ValidID(id) {
		return nil, fmt.Errorf("invalid principal identifier %q", id)
	}
	return &Principal{ID: id, SecondFactor: secondFactor, role: role, perms: perms}, nil
}

// Role returns the role the principal authenticated as.
func (p *Principal) Role() Role {
	if p == nil {
		return ""
	}
	return p.role
}

// Can reports whether the principal holds the permission. A nil principal
// holds none.
func (p *Principal) Can(perm Permission) bool {
	return p != nil && p.perms&perm == perm
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal carried by ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// Claims is the signed content of a token.
type Claims struct {
	Subject      string `json:"sub"`
	Role         Role   `json:"role"`
	SecondFactor bool   `json:"mfa,omitempty"`
	ExpiresAt    int64  `json:"exp"`
}

// Signer issues and authenticates HMAC-SHA256 tokens of the form
// base64url(claims).base64url(mac).
type Signer struct {
	secret []byte
	now    func() time.Time
}

// MinSecretSize is the minimum length of a token secret.
const MinSecretSize = 16

// NewSigner returns a Signer using the given secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("token secret must have at least %d bytes", MinSecretSize)
	}
	return &Signer{secret: secret, now: time.Now}, nil
}

func (s *Signer) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Issue returns a token for subject with the given role, valid for ttl.
func (s *Signer) Issue(subject string, role Role, secondFactor bool, ttl time.Duration) (string, error) {
	if _, err := NewPrincipal(subject, role, secondFactor); err != nil {
		return "", err
	}
	payload, err := json.Marshal(Claims{
		Subject:      subject,
		Role:         role,
		SecondFactor: secondFactor,
		ExpiresAt:    s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(s.mac(payload)), nil
}

// Authenticate verifies a token and resolves its principal.
func (s *Signer) Authenticate(token string) (*Principal, error) {
	payloadPart, macPart, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrInvalidToken
	}
	mac, err := enc.DecodeString(macPart)
	if err != nil || !hmac.Equal(mac, s.mac(payload)) {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if s.now().Unix() >= claims.ExpiresAt {
		return nil, ErrExpiredToken
	}
	p, err := NewPrincipal(claims.Subject, claims.Role, claims.SecondFactor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return p, nil
}
