package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/claimrelay/internal/realtime"
)

const (
	defaultAudience = "claimrelay"
	RoleAdmin       = "admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// TokenClaims is the identity carried by a bearer token.
type TokenClaims struct {
	ActorID string
	Role    string
	Exp     int64
}

func (c TokenClaims) isAdmin() bool {
	return strings.EqualFold(c.Role, RoleAdmin)
}

// Authenticator verifies HS256 bearer tokens. It serves both the REST routes
// and the websocket upgrade, where browsers cannot set headers and the token
// may travel as ?token= instead.
type Authenticator struct {
	secret   string
	audience string
	now      func() time.Time
}

func NewAuthenticator(secret, audience string) *Authenticator {
	if audience == "" {
		audience = defaultAudience
	}
	return &Authenticator{secret: secret, audience: audience, now: time.Now}
}

func (a *Authenticator) Authenticate(r *http.Request) (realtime.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
			header = "Bearer " + token
		}
	}
	claims, err := a.parseBearer(header)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{ActorID: claims.ActorID, Role: claims.Role}, nil
}

func (a *Authenticator) authorize(r *http.Request, adminOnly bool) (TokenClaims, *authError) {
	claims, err := a.parseBearer(r.Header.Get("Authorization"))
	if err != nil {
		return TokenClaims{}, err
	}
	if adminOnly && !claims.isAdmin() {
		return TokenClaims{}, &authError{status: 403, code: "forbidden", message: "admin role required"}
	}
	return claims, nil
}

func (a *Authenticator) parseBearer(authHeader string) (TokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return TokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return TokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid jwt format",
		}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}
	if !hmac.Equal(sigBytes, sign(a.secret, parts[0]+"."+parts[1])) {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	actorID, ok := payload["sub"].(string)
	if !ok || strings.TrimSpace(actorID) == "" {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	role, _ := payload["role"].(string)

	exp, err := parseExp(payload["exp"])
	if err != nil {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if a.now().Unix() >= exp {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != a.audience {
		return TokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}

	return TokenClaims{
		ActorID: strings.TrimSpace(actorID),
		Role:    strings.ToLower(strings.TrimSpace(role)),
		Exp:     exp,
	}, nil
}

// IssueToken signs an HS256 token for the given actor. It backs the token CLI
// command and tests; production tokens normally come from the identity
// provider sharing the secret.
func IssueToken(secret, audience string, claims TokenClaims) (string, error) {
	if strings.TrimSpace(claims.ActorID) == "" {
		return "", errors.New("actor id is required")
	}
	if audience == "" {
		audience = defaultAudience
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"sub": claims.ActorID,
		"aud": audience,
		"exp": claims.Exp,
	}
	if claims.Role != "" {
		body["role"] = claims.Role
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signing + "." + base64.RawURLEncoding.EncodeToString(sign(secret, signing)), nil
}

func sign(secret, signing string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return mac.Sum(nil)
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
