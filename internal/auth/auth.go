package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/studyhub-realtime/internal/types"
)

var (
	ErrNoCredential = errors.New("no credential presented")
	ErrInvalidToken = errors.New("invalid token")
)

const (
	subjectClaim = "sub"
	userIdClaim  = "user-id"
	expClaim     = "exp"

	// handshake payload carriers, checked after cookies and the Authorization header
	handshakeTokenParam = "token"
	handshakeAuthParam  = "auth"
)

// ExtractCredential finds the bearer credential of a handshake request. Sources
// are checked in priority order: the cookies named in cookieNames (in order),
// the Authorization header, then the handshake auth payload.
func ExtractCredential(r *http.Request, cookieNames []string) (types.Credential, error) {
	for _, name := range cookieNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return types.Credential{Token: c.Value, Source: types.SourceCookie, CookieName: name}, nil
		}
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return types.Credential{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}
		return types.Credential{Token: strings.TrimSpace(token), Source: types.SourceHeader}, nil
	}

	q := r.URL.Query()
	if token := q.Get(handshakeTokenParam); token != "" {
		return types.Credential{Token: token, Source: types.SourceHandshake}, nil
	}
	if raw := q.Get(handshakeAuthParam); raw != "" {
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return types.Credential{}, fmt.Errorf("%w: malformed handshake payload", ErrInvalidToken)
		}
		if payload.Token != "" {
			return types.Credential{Token: payload.Token, Source: types.SourceHandshake}, nil
		}
	}

	return types.Credential{}, ErrNoCredential
}

// Verifier validates HMAC signed session tokens issued by the identity service.
type Verifier struct {
	signingKey []byte
}

func NewVerifier(signingKey []byte) *Verifier {
	return &Verifier{signingKey: signingKey}
}

// Verify checks the signature and expiry of tokenString and returns the user id it carries.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrNoCredential
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	// tokens without an expiry are never accepted
	if _, ok := claims[expClaim]; !ok {
		return "", fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}

	uid := uidFromClaims(claims)
	if uid == "" {
		return "", fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	return uid, nil
}

func uidFromClaims(claims jwt.MapClaims) string {
	if sub, ok := claims[subjectClaim].(string); ok && sub != "" {
		return sub
	}

	switch id := claims[userIdClaim].(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	}

	return ""
}

// Sign issues a token for uid. The gateway never issues tokens to clients; this
// is used by tooling and tests that need a credential the verifier accepts.
func Sign(signingKey []byte, uid string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: uid,
		expClaim:     time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
