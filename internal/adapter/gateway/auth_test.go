package gateway

import (
	"errors"
	"testing"

	"switchboard/internal/domain"
)

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "secret-123", Name: "desk"}})

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "desk" {
		t.Errorf("Name = %q", info.Name)
	}
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "secret-123", Name: "desk"}})

	_, err := auth.Authenticate("wrong-token")
	if !errors.Is(err, domain.ErrGatewayAuthFailed) {
		t.Errorf("error = %v, want ErrGatewayAuthFailed", err)
	}
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("error = %v should wrap ErrAuthInvalid", err)
	}
}

func TestStaticTokenAuthIgnoresEmptyToken(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "", Name: "blank"}})

	if _, err := auth.Authenticate(""); err == nil {
		t.Error("empty token should never authenticate")
	}
}
