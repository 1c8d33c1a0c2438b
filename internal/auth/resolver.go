package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	gateway "github.com/torii-gw/torii/internal"
)

// Verifier validates an identity-provider token and returns the user it
// asserts.
type Verifier interface {
	Verify(ctx context.Context, token string) (*gateway.User, error)
}

// ProfileRegistrar materializes a profile on a user's first authenticated
// request.
type ProfileRegistrar interface {
	UpsertProfile(ctx context.Context, p *gateway.UserProfile) error
}

// Resolver turns an incoming request into an AuthContext. Credentials are
// taken from the session cookie first, then the Authorization header.
type Resolver struct {
	verifier   Verifier
	snapshots  *SnapshotCache
	flags      *FlagBuilder
	registrar  ProfileRegistrar
	cookieName string
	ipSalt     string
}

// NewResolver wires the resolver from its collaborators.
func NewResolver(verifier Verifier, snapshots *SnapshotCache, flags *FlagBuilder, registrar ProfileRegistrar, cookieName, ipSalt string) *Resolver {
	return &Resolver{
		verifier:   verifier,
		snapshots:  snapshots,
		flags:      flags,
		registrar:  registrar,
		cookieName: cookieName,
		ipSalt:     ipSalt,
	}
}

// Resolve builds the AuthContext for r at the given access level. Missing
// credentials yield an anonymous context. Invalid credentials fail only on
// protected endpoints; enhanced endpoints degrade to anonymous with a
// warning.
func (rs *Resolver) Resolve(r *http.Request, level gateway.AccessLevel) (*gateway.AuthContext, error) {
	ctx := r.Context()
	// The request-ID middleware has already minted or echoed an ID; minting
	// another here would make the response header and the usage events
	// disagree.
	requestID := gateway.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = r.Header.Get("X-Request-ID")
	}
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}
	ipHash := gateway.HashIP(rs.ipSalt, clientIP(r))

	token := rs.credential(r)
	if token == "" {
		return rs.anonymous(ctx, level, ipHash, requestID), nil
	}

	user, err := rs.verifier.Verify(ctx, token)
	if err != nil {
		if level == gateway.AccessProtected {
			return nil, err
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "token rejected, degrading to anonymous",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return rs.anonymous(ctx, level, ipHash, requestID), nil
	}

	snap, err := rs.snapshots.Get(ctx, user.ID)
	if errors.Is(err, gateway.ErrNotFound) {
		snap, err = rs.register(ctx, user)
	}
	if err != nil {
		return nil, gateway.ErrInternal.Wrap(err)
	}

	profile := &gateway.UserProfile{
		ID:          user.ID,
		Email:       user.Email,
		Tier:        snap.Tier,
		AccountType: snap.AccountType,
		Banned:      snap.Banned,
		BannedUntil: snap.BannedUntil,
	}
	return &gateway.AuthContext{
		AccessLevel:     level,
		IsAuthenticated: true,
		User:            user,
		Profile:         profile,
		Features:        rs.flags.Build(ctx, snap.Tier),
		IPHash:          ipHash,
		RequestID:       requestID,
	}, nil
}

// Invalidate drops the user's cached snapshot so the next request sees fresh
// tier and ban state.
func (rs *Resolver) Invalidate(ctx context.Context, userID string) error {
	return rs.snapshots.Invalidate(ctx, userID)
}

func (rs *Resolver) anonymous(ctx context.Context, level gateway.AccessLevel, ipHash, requestID string) *gateway.AuthContext {
	return &gateway.AuthContext{
		AccessLevel:     level,
		IsAuthenticated: false,
		Features:        rs.flags.Build(ctx, gateway.TierAnonymous),
		IPHash:          ipHash,
		RequestID:       requestID,
	}
}

// register materializes a first-time user as free tier and returns the
// resulting snapshot.
func (rs *Resolver) register(ctx context.Context, user *gateway.User) (*gateway.AuthSnapshot, error) {
	p := &gateway.UserProfile{
		ID:          user.ID,
		Email:       user.Email,
		Tier:        gateway.TierFree,
		AccountType: gateway.AccountUser,
	}
	if err := rs.registrar.UpsertProfile(ctx, p); err != nil {
		return nil, err
	}
	return rs.snapshots.Get(ctx, user.ID)
}

// credential returns the session cookie value when present, then a bearer
// token. First non-empty wins.
func (rs *Resolver) credential(r *http.Request) string {
	if c, err := r.Cookie(rs.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IdPVerifier validates JWTs issued by the platform's identity provider
// against its published signing key.
type IdPVerifier struct {
	parser *jwt.Parser
	key    any
}

type idpClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// NewIdPVerifier parses a PEM public key (RSA, EC, or Ed25519) and builds a
// verifier pinned to issuer.
func NewIdPVerifier(publicKeyPEM []byte, issuer string) (*IdPVerifier, error) {
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &IdPVerifier{parser: jwt.NewParser(opts...), key: key}, nil
}

// Verify checks signature, expiry, and issuer, and returns the asserted
// user.
func (v *IdPVerifier) Verify(_ context.Context, token string) (*gateway.User, error) {
	var claims idpClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, gateway.ErrTokenExpired.Wrap(err)
		}
		return nil, gateway.ErrTokenInvalid.Wrap(err)
	}
	if claims.Subject == "" {
		return nil, gateway.ErrTokenInvalid.WithMessage("token has no subject")
	}
	return &gateway.User{ID: claims.Subject, Email: claims.Email}, nil
}

func parsePublicKey(pem []byte) (any, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pem); err == nil {
		return key, nil
	}
	return jwt.ParseEdPublicKeyFromPEM(pem)
}
