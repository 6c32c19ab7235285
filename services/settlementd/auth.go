package settlementd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	coreerrors "stealthpay/core/errors"
	"stealthpay/crypto"
	"stealthpay/observability/logging"
)

var errMissingToken = fmt.Errorf("%w: bearer token required", coreerrors.ErrUnauthorized)

type callerKey struct{}

// AdminAuth verifies HS256 bearer tokens whose subject is the administrator
// address. Role membership is enforced by the engine and stores themselves.
type AdminAuth struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewAdminAuth constructs the verifier.
func NewAdminAuth(secret []byte, issuer string) (*AdminAuth, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("settlementd: jwt secret must be at least 16 bytes")
	}
	return &AdminAuth{
		secret: append([]byte(nil), secret...),
		issuer: strings.TrimSpace(issuer),
		leeway: 30 * time.Second,
		now:    time.Now,
		logger: slog.Default(),
	}, nil
}

// SetClock overrides the verification clock.
func (a *AdminAuth) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.now = now
}

// SetLogger routes rejected-token warnings to logger.
func (a *AdminAuth) SetLogger(logger *slog.Logger) {
	if a == nil || logger == nil {
		return
	}
	a.logger = logger
}

// Issue signs a token for subject valid for ttl.
func (a *AdminAuth) Issue(subject [20]byte, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   crypto.HexAddress(subject),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and returns the caller address.
func (a *AdminAuth) Verify(token string) ([20]byte, error) {
	var caller [20]byte
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return caller, fmt.Errorf("%w: %v", coreerrors.ErrUnauthorized, err)
	}
	caller, err := crypto.ParseAddress(claims.Subject)
	if err != nil {
		return caller, fmt.Errorf("%w: invalid subject: %v", coreerrors.ErrUnauthorized, err)
	}
	return caller, nil
}

// Middleware authenticates the request and stores the caller in its context.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, fmt.Errorf("%w: admin api disabled", coreerrors.ErrUnauthorized))
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, errMissingToken)
			return
		}
		caller, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			a.logger.Warn("bearer token rejected",
				logging.MaskField("token", token),
				slog.String("route", r.URL.Path),
				slog.String("reason", coreerrors.Reason(err)))
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(callerKey{}).([20]byte)
	return caller, ok
}
