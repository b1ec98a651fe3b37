package directory

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func openTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "users.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open directory: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestExists(t *testing.T) {
	d := openTestDirectory(t)
	ctx := context.Background()

	if err := d.Provision(ctx, "alice@x.com", "alice", true); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	ok, err := d.Exists(ctx, "alice@x.com")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Error("expected alice@x.com to exist")
	}

	ok, err = d.Exists(ctx, "ghost@x.com")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("expected ghost@x.com to not exist")
	}
}

func TestIsVerified(t *testing.T) {
	d := openTestDirectory(t)
	ctx := context.Background()

	if err := d.Provision(ctx, "alice@x.com", "alice", true); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := d.Provision(ctx, "carol@x.com", "carol", false); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	cases := []struct {
		email string
		want  bool
	}{
		{"alice@x.com", true},
		{"carol@x.com", false},
		{"ghost@x.com", false},
	}
	for _, tc := range cases {
		got, err := d.IsVerified(ctx, tc.email)
		if err != nil {
			t.Fatalf("IsVerified(%s) failed: %v", tc.email, err)
		}
		if got != tc.want {
			t.Errorf("IsVerified(%s) = %v, want %v", tc.email, got, tc.want)
		}
	}
}

func TestProvisionReplacesRecord(t *testing.T) {
	d := openTestDirectory(t)
	ctx := context.Background()

	if err := d.Provision(ctx, "carol@x.com", "carol", false); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := d.Provision(ctx, "carol@x.com", "carol", true); err != nil {
		t.Fatalf("re-provision failed: %v", err)
	}

	verified, err := d.IsVerified(ctx, "carol@x.com")
	if err != nil {
		t.Fatalf("IsVerified failed: %v", err)
	}
	if !verified {
		t.Error("re-provision did not update the verified flag")
	}
}
