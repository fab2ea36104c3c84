package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T, accessTTL, refreshTTL time.Duration) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(testSecret, accessTTL, refreshTTL)
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}
	return m
}

func TestNewTokenManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenManager("short", time.Minute, time.Hour); err == nil {
		t.Error("NewTokenManager() accepted a short secret")
	}
}

func TestNewPairAndVerify(t *testing.T) {
	m := newTestManager(t, 15*time.Minute, 7*24*time.Hour)
	userID := uuid.New()
	tenantID := uuid.New()

	pair, err := m.NewPair(userID, tenantID, "alice@example.com")
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}
	if pair.TokenType != "bearer" {
		t.Errorf("TokenType = %q, want bearer", pair.TokenType)
	}
	if pair.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d, want 900", pair.ExpiresIn)
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Error("access and refresh tokens are identical")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess)
	if err != nil {
		t.Fatalf("Verify(access) error = %v", err)
	}
	if claims.Subject != userID.String() {
		t.Errorf("Subject = %q, want %q", claims.Subject, userID)
	}
	if claims.TenantID != tenantID.String() {
		t.Errorf("TenantID = %q, want %q", claims.TenantID, tenantID)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", claims.Email)
	}
	if claims.ID == "" {
		t.Error("claims.ID (jti) is empty")
	}

	refreshClaims, err := m.Verify(pair.RefreshToken, TokenTypeRefresh)
	if err != nil {
		t.Fatalf("Verify(refresh) error = %v", err)
	}
	if refreshClaims.Email != "" {
		t.Errorf("refresh token carries email %q", refreshClaims.Email)
	}
	if refreshClaims.ID == claims.ID {
		t.Error("access and refresh tokens share a jti")
	}
}

func TestVerifyEnforcesTokenType(t *testing.T) {
	m := newTestManager(t, 15*time.Minute, 7*24*time.Hour)
	pair, err := m.NewPair(uuid.New(), uuid.New(), "bob@example.com")
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}

	if _, err := m.Verify(pair.RefreshToken, TokenTypeAccess); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("Verify(refresh as access) = %v, want ErrWrongTokenType", err)
	}
	if _, err := m.Verify(pair.AccessToken, TokenTypeRefresh); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("Verify(access as refresh) = %v, want ErrWrongTokenType", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	m := newTestManager(t, time.Nanosecond, time.Nanosecond)
	pair, err := m.NewPair(uuid.New(), uuid.New(), "carol@example.com")
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify(expired) = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	m := newTestManager(t, 15*time.Minute, 7*24*time.Hour)
	pair, err := m.NewPair(uuid.New(), uuid.New(), "dave@example.com")
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}

	// Flip a character in the signature segment.
	parts := strings.Split(pair.AccessToken, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	if _, err := m.Verify(tampered, TokenTypeAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(tampered) = %v, want ErrTokenInvalid", err)
	}

	other, err := NewTokenManager("ffffffffffffffffffffffffffffffff", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}
	if _, err := other.Verify(pair.AccessToken, TokenTypeAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(wrong key) = %v, want ErrTokenInvalid", err)
	}
}

func TestSubjectUUIDs(t *testing.T) {
	m := newTestManager(t, 15*time.Minute, 7*24*time.Hour)
	userID := uuid.New()
	tenantID := uuid.New()
	pair, err := m.NewPair(userID, tenantID, "eve@example.com")
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}
	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	gotUser, gotTenant, err := SubjectUUIDs(claims)
	if err != nil {
		t.Fatalf("SubjectUUIDs() error = %v", err)
	}
	if gotUser != userID || gotTenant != tenantID {
		t.Errorf("SubjectUUIDs() = (%s, %s), want (%s, %s)", gotUser, gotTenant, userID, tenantID)
	}
}
