package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/store"
)

func newKeyService(t *testing.T) *KeyService {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return NewKeyService(st)
}

func TestCreateAndVerify(t *testing.T) {
	s := newKeyService(t)
	ctx := context.Background()

	key, plaintext, err := s.Create(ctx, "ci", "pipeline key")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "fhk_") {
		t.Errorf("plaintext missing prefix: %s", plaintext)
	}
	if key.Prefix != plaintext[:12] {
		t.Errorf("stored prefix %q does not match plaintext", key.Prefix)
	}
	if key.KeyHash == plaintext {
		t.Error("plaintext stored as hash")
	}

	got, err := s.Verify(ctx, plaintext)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.ID != key.ID || got.LastUsedAt == nil {
		t.Errorf("unexpected verified key: %+v", got)
	}
}

func TestVerifyRejectsBadKeys(t *testing.T) {
	s := newKeyService(t)
	ctx := context.Background()

	_, plaintext, err := s.Create(ctx, "ci", "")
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{"", "short", plaintext[:12] + "wrongsuffix", "fhk_" + strings.Repeat("0", 48)} {
		if _, err := s.Verify(ctx, bad); !errdefs.IsCode(err, errdefs.CodeUnauthorized) {
			t.Errorf("Verify(%q): expected UNAUTHORIZED, got %v", bad, err)
		}
	}
}

func TestRevokedKeyRejected(t *testing.T) {
	s := newKeyService(t)
	ctx := context.Background()

	key, plaintext, err := s.Create(ctx, "ci", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := s.Verify(ctx, plaintext); !errdefs.IsCode(err, errdefs.CodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED for revoked key, got %v", err)
	}
}

func TestBootstrapMode(t *testing.T) {
	s := newKeyService(t)
	ctx := context.Background()

	bootstrap, err := s.BootstrapMode(ctx)
	if err != nil || !bootstrap {
		t.Fatalf("expected bootstrap mode on empty store, got %v %v", bootstrap, err)
	}

	key, _, err := s.Create(ctx, "first", "")
	if err != nil {
		t.Fatal(err)
	}
	if bootstrap, _ = s.BootstrapMode(ctx); bootstrap {
		t.Error("bootstrap mode still on after first key")
	}

	// All keys revoked reopens bootstrap.
	if err := s.Revoke(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if bootstrap, _ = s.BootstrapMode(ctx); !bootstrap {
		t.Error("bootstrap mode not restored after revoking all keys")
	}
}

func TestTokenIssueAndValidate(t *testing.T) {
	issuer := NewTokenIssuer("test-secret")

	token, err := issuer.Issue("math")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	sub, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if sub != "math" {
		t.Errorf("subject = %q, want math", sub)
	}

	other := NewTokenIssuer("other-secret")
	if _, err := other.Validate(token); err == nil {
		t.Error("token validated with wrong secret")
	}
}
