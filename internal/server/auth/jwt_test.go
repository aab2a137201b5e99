package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

func TestSessionToken_Success(t *testing.T) {
	t.Parallel()

	secret := []byte("super-secret")
	tok, err := GenerateSessionToken("notes", secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken error: %v", err)
	}

	if err := VerifySessionToken(tok, "notes", secret); err != nil {
		t.Fatalf("VerifySessionToken error: %v", err)
	}
}

func TestSessionToken_NamespaceMismatch(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	tok, err := GenerateSessionToken("notes", secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken error: %v", err)
	}

	err = VerifySessionToken(tok, "todos", secret)
	if !errors.Is(err, common.ErrNamespaceMismatch) {
		t.Fatalf("expected common.ErrNamespaceMismatch, got %v", err)
	}
}

func TestSessionToken_Expired(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	tok, err := GenerateSessionToken("notes", secret, -1*time.Minute)
	if err != nil {
		t.Fatalf("GenerateSessionToken error: %v", err)
	}

	err = VerifySessionToken(tok, "notes", secret)
	if !errors.Is(err, common.ErrTokenExpired) {
		t.Fatalf("expected common.ErrTokenExpired, got %v", err)
	}
}

func TestSessionToken_Invalid(t *testing.T) {
	t.Parallel()

	good, err := GenerateSessionToken("notes", []byte("right-secret"), time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken error: %v", err)
	}
	replication, err := GenerateReplicationToken("node-a", []byte("k"), time.Hour)
	if err != nil {
		t.Fatalf("GenerateReplicationToken error: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Kind: KindSession, Namespace: "notes"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{name: "wrong secret", token: good, secret: "wrong-secret"},
		{name: "malformed", token: "not.a.jwt", secret: "k"},
		{name: "replication token", token: replication, secret: "k"},
		{name: "unsigned", token: none, secret: "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySessionToken(tt.token, "notes", []byte(tt.secret))
			if !errors.Is(err, common.ErrInvalidToken) {
				t.Fatalf("expected common.ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestReplicationToken(t *testing.T) {
	t.Parallel()

	secret := []byte("cluster")
	tok, err := GenerateReplicationToken("node-a", secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateReplicationToken error: %v", err)
	}

	id, err := VerifyReplicationToken(tok, secret)
	if err != nil {
		t.Fatalf("VerifyReplicationToken error: %v", err)
	}
	if id != "node-a" {
		t.Fatalf("instance mismatch: got %q", id)
	}

	session, _ := GenerateSessionToken("notes", secret, time.Hour)
	if _, err := VerifyReplicationToken(session, secret); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("session token accepted for replication: %v", err)
	}
}
