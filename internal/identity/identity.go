// Package identity turns the bearer token handed to the webphone into the
// member identity and device credentials the connectivity core needs.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrTokenExpired = errors.New("token expired")
	ErrNoMemberID   = errors.New("token carries no member id")
)

var verifiedMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// DeviceCredentials authenticate the SIP registration
type DeviceCredentials struct {
	UserName string `json:"userName"`
	PinCode  string `json:"pinCode"`
}

// Identity is the resolved member profile
type Identity struct {
	MemberID    string            `json:"memberId"`
	Subject     string            `json:"subject"`
	Email       string            `json:"email,omitempty"`
	Name        string            `json:"name,omitempty"`
	Device      DeviceCredentials `json:"-"`
	Domain      string            `json:"domain"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	bearerToken string
}

// Authorization is the header value attached to outbound feed messages
func (i *Identity) Authorization() string {
	if i == nil || i.bearerToken == "" {
		return ""
	}
	return "Bearer " + i.bearerToken
}

// Defaults fill in what the token does not carry
type Defaults struct {
	MemberID string
	UserName string
	PinCode  string
	Domain   string
}

// Resolver parses tokens, verifying signatures when a JWKS is configured
type Resolver struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	defaults Defaults
	logger   zerolog.Logger
	now      func() time.Time
}

// NewResolver creates a resolver. An empty jwksURL parses tokens without
// signature verification.
func NewResolver(jwksURL string, defaults Defaults, logger zerolog.Logger) (*Resolver, error) {
	r := &Resolver{
		methods:  verifiedMethods,
		defaults: defaults,
		logger:   logger.With().Str("component", "identity").Logger(),
		now:      time.Now,
	}
	if jwksURL == "" {
		r.logger.Warn().Msg("JWT signature verification disabled, no JWKS_URL configured")
		return r, nil
	}

	r.logger.Info().Str("jwks_url", jwksURL).Msg("fetching JWKS")
	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	r.keyfunc = k.Keyfunc
	return r, nil
}

// Resolve validates token and assembles the identity
func (r *Resolver) Resolve(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := r.parse(token)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		MemberID:    stringClaim(claims, "memberId", "member_id"),
		Subject:     stringClaim(claims, "sub"),
		Email:       stringClaim(claims, "email"),
		Name:        stringClaim(claims, "name", "preferred_username"),
		Domain:      stringClaim(claims, "domain"),
		Host:        stringClaim(claims, "host"),
		bearerToken: token,
	}
	id.Device.UserName = stringClaim(claims, "deviceUserName", "sip_username")
	id.Device.PinCode = stringClaim(claims, "devicePinCode", "sip_password")
	if port, ok := claims["port"]; ok {
		id.Port = intClaim(port)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		id.ExpiresAt = &t
	}

	if id.MemberID == "" {
		id.MemberID = r.defaults.MemberID
	}
	if id.MemberID == "" {
		id.MemberID = id.Subject
	}
	if id.MemberID == "" {
		return nil, ErrNoMemberID
	}
	if id.Device.UserName == "" {
		id.Device.UserName = r.defaults.UserName
	}
	if id.Device.PinCode == "" {
		id.Device.PinCode = r.defaults.PinCode
	}
	if id.Domain == "" {
		id.Domain = r.defaults.Domain
	}

	r.logger.Info().Str("member_id", id.MemberID).Str("subject", id.Subject).Msg("identity resolved")
	return id, nil
}

func (r *Resolver) parse(token string) (jwt.MapClaims, error) {
	if r.keyfunc != nil {
		parsed, err := jwt.Parse(token, r.keyfunc, jwt.WithValidMethods(r.methods), jwt.WithTimeFunc(r.now))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, ErrTokenExpired
			}
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok || !parsed.Valid {
			return nil, fmt.Errorf("invalid token")
		}
		return claims, nil
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	// unverified tokens still honour exp
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(r.now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func stringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if v, ok := claims[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intClaim(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
