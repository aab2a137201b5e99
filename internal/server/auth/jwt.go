// Package auth issues and checks the HS256 tokens the server accepts:
// session tokens bound to one namespace for the sync endpoint, and
// replication tokens identifying another server instance.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

const (
	KindSession     = "session"
	KindReplication = "replication"
)

// Claims carries the namespace a session token is valid for, or the
// instance id of a replication token in Subject.
type Claims struct {
	jwt.RegisteredClaims
	Kind      string `json:"kind"`
	Namespace string `json:"ns,omitempty"`
}

func sign(claims Claims, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(validityDuration))

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretKey)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

func parse(tokenString string, secretKey []byte, kind string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, common.ErrTokenExpired
	}
	if err != nil || !token.Valid || claims.Kind != kind {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}

// GenerateSessionToken issues a token for the sync endpoint of namespace.
func GenerateSessionToken(namespace string, secretKey []byte, validityDuration time.Duration) (string, error) {
	return sign(Claims{Kind: KindSession, Namespace: namespace}, secretKey, validityDuration)
}

// VerifySessionToken accepts tokenString only for namespace.
func VerifySessionToken(tokenString, namespace string, secretKey []byte) error {
	claims, err := parse(tokenString, secretKey, KindSession)
	if err != nil {
		return err
	}
	if claims.Namespace != namespace {
		return common.ErrNamespaceMismatch
	}
	return nil
}

func GenerateReplicationToken(instanceID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	c := Claims{Kind: KindReplication}
	c.Subject = instanceID
	return sign(c, secretKey, validityDuration)
}

// VerifyReplicationToken returns the instance id the token was issued to.
func VerifyReplicationToken(tokenString string, secretKey []byte) (string, error) {
	claims, err := parse(tokenString, secretKey, KindReplication)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
