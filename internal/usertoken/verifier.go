package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"libreserve/pkg/domain"
)

const (
	defaultIssuer   = "libreserve-auth"
	defaultAudience = "libreserve-api"
	defaultLeeway   = 30 * time.Second
)

var (
	errUnknownKey     = errors.New("unknown token key")
	errMissingSubject = errors.New("token subject missing")
)

// tokenClaims are the registered claims plus the role asserted by the auth service.
type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier checks RS256 access tokens against the auth service JWKS and
// turns them into reader or librarian identities.
type Verifier struct {
	parser *jwt.Parser
	keys   *keySet
}

// NewVerifier fetches the key set once so a misconfigured URL fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v := &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(orDefault(cfg.Issuer, defaultIssuer)),
			jwt.WithAudience(orDefault(cfg.Audience, defaultAudience)),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leewayOrDefault(cfg.Leeway)),
		),
		keys: &keySet{url: jwksURL, client: client},
	}
	if err := v.keys.refresh(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyIdentity validates the token and returns the caller. A missing role
// claim means a reader; any role other than user or admin is rejected.
func (v *Verifier) VerifyIdentity(token string) (domain.Identity, error) {
	claims, err := v.parse(token)
	if err != nil && (errors.Is(err, errUnknownKey) || v.keys.stale(time.Now())) {
		// key rotation: retry once with a fresh key set
		ctx, cancel := context.WithTimeout(context.Background(), v.keys.client.Timeout+time.Second)
		defer cancel()
		if refreshErr := v.keys.refresh(ctx); refreshErr != nil {
			return domain.Identity{}, refreshErr
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return domain.Identity{}, err
	}
	return identityFromClaims(claims)
}

func (v *Verifier) parse(token string) (tokenClaims, error) {
	var claims tokenClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys.lookup(kid)
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
	return claims, err
}

func identityFromClaims(claims tokenClaims) (domain.Identity, error) {
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Identity{}, errMissingSubject
	}
	role := domain.UserRole(strings.ToLower(strings.TrimSpace(claims.Role)))
	switch role {
	case "":
		role = domain.RoleUser
	case domain.RoleUser, domain.RoleAdmin:
	default:
		return domain.Identity{}, fmt.Errorf("token role %q not recognized", claims.Role)
	}
	return domain.Identity{UserID: subject, Role: role}, nil
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}

func leewayOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultLeeway
	}
	return d
}
