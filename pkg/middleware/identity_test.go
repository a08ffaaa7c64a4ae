package middleware_test

import (
	"context"
	"testing"

	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
	"github.com/quinnbmay/zenflo-sub001/pkg/middleware"
)

func TestIdentityContext(t *testing.T) {
	tests := []struct {
		name        string
		id          *contracts.Identity
		wantAccount string
		wantOp      bool
	}{
		{"anonymous", nil, "", false},
		{"account", &contracts.Identity{Subject: "acct-1", Provider: contracts.ProviderToken}, "acct-1", false},
		{"operator", &contracts.Identity{Subject: "operator", Provider: contracts.ProviderOperator}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := middleware.WithIdentity(context.Background(), tt.id)
			if got := middleware.IdentityFrom(ctx); got != tt.id {
				t.Errorf("IdentityFrom() = %v, want %v", got, tt.id)
			}
			if got := middleware.AccountID(ctx); got != tt.wantAccount {
				t.Errorf("AccountID() = %q, want %q", got, tt.wantAccount)
			}
			if got := middleware.IsOperator(ctx); got != tt.wantOp {
				t.Errorf("IsOperator() = %v, want %v", got, tt.wantOp)
			}
		})
	}
}
