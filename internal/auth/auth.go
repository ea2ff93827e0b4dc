// Package auth resolves the calling user and issuer from a bearer token, or
// from trusted headers when running behind a gateway in development.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

const (
	HeaderIssuerID = "X-Issuer-ID"
	HeaderUserID   = "X-User-ID"
)

// UserContext identifies who is calling and on behalf of which issuer.
type UserContext struct {
	UserID   string
	IssuerID string
}

// Claims is the token payload. The subject is the user id.
type Claims struct {
	IssuerID string `json:"issuer_id"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// WithUserContext stores uc in ctx.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, uc)
}

// GetUserContext returns the caller stored by the middleware.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	uc, ok := ctx.Value(ctxKey{}).(*UserContext)
	if !ok || uc == nil {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no authenticated user in context")
	}
	return uc, nil
}

// Config configures token verification.
type Config struct {
	Secret       string
	TokenIssuer  string
	AllowHeaders bool
}

// Authenticator verifies credentials carried by HTTP and gRPC requests.
type Authenticator struct {
	cfg Config
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg Config) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate resolves the caller from an Authorization header value, falling
// back to the identity headers when they are trusted.
func (a *Authenticator) Authenticate(authorization, issuerHeader, userHeader string) (*UserContext, error) {
	if token, ok := strings.CutPrefix(authorization, "Bearer "); ok && a.cfg.Secret != "" {
		return a.parse(strings.TrimSpace(token))
	}

	if a.cfg.AllowHeaders && issuerHeader != "" {
		return &UserContext{UserID: userHeader, IssuerID: issuerHeader}, nil
	}

	return nil, errors.New(errors.ErrCodeUnauthorized, "missing or unsupported credentials")
}

func (a *Authenticator) parse(tokenString string) (*UserContext, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.cfg.TokenIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.TokenIssuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid token")
	}
	if claims.IssuerID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "token has no issuer_id claim")
	}

	return &UserContext{UserID: claims.Subject, IssuerID: claims.IssuerID}, nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc, err := a.Authenticate(
			r.Header.Get("Authorization"),
			r.Header.Get(HeaderIssuerID),
			r.Header.Get(HeaderUserID),
		)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "unauthorized",
				"message": "authentication required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), uc)))
	})
}

// UnaryServerInterceptor authenticates calls to methods under servicePrefix
// (e.g. "/ar.invoices.v1."). Health and reflection stay open.
func (a *Authenticator) UnaryServerInterceptor(servicePrefix string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, servicePrefix) {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		uc, err := a.Authenticate(
			first(md, "authorization"),
			first(md, strings.ToLower(HeaderIssuerID)),
			first(md, strings.ToLower(HeaderUserID)),
		)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return handler(WithUserContext(ctx, uc), req)
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// IssueToken signs an HS256 token for userID acting on issuerID.
func IssueToken(secret, tokenIssuer, userID, issuerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		IssuerID: issuerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
