package security

import (
	"errors"
	"testing"
	"time"
)

func TestAdminTokenRoundTrip(t *testing.T) {
	token, err := GenerateAdminToken("secret", AdminClaims{
		AdminID:     7,
		Username:    "ops",
		TenantID:    3,
		Permissions: []string{"GET /v0/admin/drafts/:id"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseAdminToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.AdminID != 7 || claims.TenantID != 3 || len(claims.Permissions) != 1 || claims.SuperAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseAdminTokenRejects(t *testing.T) {
	valid, err := GenerateAdminToken("secret", AdminClaims{AdminID: 1, TenantID: 1}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAdminToken("other", valid); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for wrong secret, got %v", err)
	}

	expired, err := GenerateAdminToken("secret", AdminClaims{AdminID: 1, TenantID: 1}, -time.Minute)
	if err != nil {
		t.Fatalf("generate expired: %v", err)
	}
	if _, err := ParseAdminToken("secret", expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}

	noTenant, err := GenerateAdminToken("secret", AdminClaims{AdminID: 1}, time.Hour)
	if err != nil {
		t.Fatalf("generate without tenant: %v", err)
	}
	if _, err := ParseAdminToken("secret", noTenant); !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("expected missing tenant, got %v", err)
	}

	if _, err := ParseAdminToken("secret", "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}
