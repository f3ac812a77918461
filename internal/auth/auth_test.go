//go:build !e2e

package auth_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"testing"

	api "github.com/nixpig/unitd/api/v1"
	"github.com/nixpig/unitd/internal/auth"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

func peerContext(t *testing.T, cn string, ou ...string) context.Context {
	t.Helper()

	cert := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:         cn,
			OrganizationalUnit: ou,
		},
	}

	authInfo := credentials.TLSInfo{
		State: tls.ConnectionState{
			VerifiedChains: [][]*x509.Certificate{{cert}},
		},
	}

	return peer.NewContext(t.Context(), &peer.Peer{AuthInfo: authInfo})
}

func TestIsAuthorised(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		role    auth.Role
		method  string
		wantErr error
	}{
		"Test operator can enqueue": {
			role:   auth.RoleOperator,
			method: api.UnitService_Enqueue_FullMethodName,
		},
		"Test operator can cancel": {
			role:   auth.RoleOperator,
			method: api.UnitService_Cancel_FullMethodName,
		},
		"Test operator cannot pause": {
			role:    auth.RoleOperator,
			method:  api.UnitService_Pause_FullMethodName,
			wantErr: auth.ErrNotPermitted,
		},
		"Test admin can resume": {
			role:   auth.RoleAdmin,
			method: api.UnitService_Resume_FullMethodName,
		},
		"Test viewer can snapshot": {
			role:   auth.RoleViewer,
			method: api.UnitService_Snapshot_FullMethodName,
		},
		"Test viewer can watch": {
			role:   auth.RoleViewer,
			method: api.UnitService_Watch_FullMethodName,
		},
		"Test viewer can stream output": {
			role:   auth.RoleViewer,
			method: api.UnitService_StreamOutput_FullMethodName,
		},
		"Test viewer cannot enqueue": {
			role:    auth.RoleViewer,
			method:  api.UnitService_Enqueue_FullMethodName,
			wantErr: auth.ErrNotPermitted,
		},
		"Test unknown method returns error": {
			role:    auth.RoleAdmin,
			method:  "/unitd.v1.UnitService/Unknown",
			wantErr: auth.ErrUnknownMethod,
		},
		"Test unknown role returns error": {
			role:    auth.Role("Unknown"),
			method:  api.UnitService_Snapshot_FullMethodName,
			wantErr: auth.ErrUnknownRole,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			err := auth.IsAuthorised(config.role, config.method)

			if config.wantErr == nil && err != nil {
				t.Errorf("expected authorised not to return error: got '%v'", err)
			}

			if config.wantErr != nil && !errors.Is(err, config.wantErr) {
				t.Errorf("expected error: got '%v', want '%v'", err, config.wantErr)
			}
		})
	}
}

func TestMethodsHavePermissions(t *testing.T) {
	t.Parallel()

	desc := api.UnitService_ServiceDesc

	var names []string
	for _, m := range desc.Methods {
		names = append(names, m.MethodName)
	}

	for _, s := range desc.Streams {
		names = append(names, s.StreamName)
	}

	for _, name := range names {
		fullMethodName := "/" + desc.ServiceName + "/" + name

		if _, exists := auth.MethodPermissions[fullMethodName]; !exists {
			t.Errorf("gRPC method doesn't have permission assigned: '%v'", fullMethodName)
		}
	}
}

func TestIsPublic(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		method string
		public bool
	}{
		"Test health check":     {"/grpc.health.v1.Health/Check", true},
		"Test reflection":       {"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", true},
		"Test unit service":     {api.UnitService_Snapshot_FullMethodName, false},
		"Test malformed method": {"grpc.health.v1.Health", false},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			if got := auth.IsPublic(config.method); got != config.public {
				t.Errorf("expected public: got '%t', want '%t'", got, config.public)
			}
		})
	}
}

func TestGetClientIdentity(t *testing.T) {
	t.Parallel()

	t.Run("Test peer with valid TLS info", func(t *testing.T) {
		cn, ou, err := auth.GetClientIdentity(peerContext(t, "alice", "operator"))
		if err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if cn != "alice" {
			t.Errorf("expected CN: got '%s', want 'alice'", cn)
		}

		if ou != "operator" {
			t.Errorf("expected OU: got '%s', want 'operator'", ou)
		}
	})

	t.Run("Test peer with no TLS info", func(t *testing.T) {
		ctx := peer.NewContext(t.Context(), &peer.Peer{AuthInfo: nil})

		cn, ou, err := auth.GetClientIdentity(ctx)
		if err == nil {
			t.Errorf("expected to receive error")
		}

		if cn != "" || ou != "" {
			t.Errorf("expected CN and OU to be empty: got '%s', '%s'", cn, ou)
		}
	})

	t.Run("Test no peer in context", func(t *testing.T) {
		if _, _, err := auth.GetClientIdentity(t.Context()); err == nil {
			t.Errorf("expected to receive error")
		}
	})
}

func TestAuthorise(t *testing.T) {
	t.Parallel()

	t.Run("Test operator can enqueue", func(t *testing.T) {
		cn, err := auth.Authorise(peerContext(t, "alice", "operator"), api.UnitService_Enqueue_FullMethodName)
		if err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if cn != "alice" {
			t.Errorf("expected CN: got '%s', want 'alice'", cn)
		}
	})

	t.Run("Test viewer cannot enqueue", func(t *testing.T) {
		if _, err := auth.Authorise(peerContext(t, "bob", "viewer"), api.UnitService_Enqueue_FullMethodName); !errors.Is(err, auth.ErrNotPermitted) {
			t.Errorf("expected not permitted: got '%v'", err)
		}
	})

	t.Run("Test unknown role can check health", func(t *testing.T) {
		if _, err := auth.Authorise(peerContext(t, "charlie", "nobody"), "/grpc.health.v1.Health/Check"); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}
	})

	t.Run("Test unknown role", func(t *testing.T) {
		if _, err := auth.Authorise(peerContext(t, "charlie", "nobody"), api.UnitService_Snapshot_FullMethodName); !errors.Is(err, auth.ErrUnknownRole) {
			t.Errorf("expected unknown role: got '%v'", err)
		}
	})

	t.Run("Test invalid context", func(t *testing.T) {
		if _, err := auth.Authorise(t.Context(), api.UnitService_Snapshot_FullMethodName); err == nil {
			t.Errorf("expected to receive error")
		}
	})
}
