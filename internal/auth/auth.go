// Package auth maps client certificates to roles and roles to the
// UnitService methods they may call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	api "github.com/nixpig/unitd/api/v1"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

var (
	ErrUnknownMethod = errors.New("method has no permission assigned")
	ErrUnknownRole   = errors.New("unknown role")
	ErrNotPermitted  = errors.New("role lacks required permission")
)

type Permission string

const (
	PermissionUnitEnqueue    Permission = "unit:enqueue"
	PermissionUnitView       Permission = "unit:view"
	PermissionUnitStream     Permission = "unit:stream"
	PermissionJobCancel      Permission = "job:cancel"
	PermissionManagerControl Permission = "manager:control"
)

// Role is taken from the first organisational unit of the client
// certificate.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionUnitEnqueue,
		PermissionUnitView,
		PermissionUnitStream,
		PermissionJobCancel,
		PermissionManagerControl,
	},
	RoleOperator: {
		PermissionUnitEnqueue,
		PermissionUnitView,
		PermissionUnitStream,
		PermissionJobCancel,
	},
	RoleViewer: {PermissionUnitView, PermissionUnitStream},
}

var MethodPermissions = map[string]Permission{
	api.UnitService_Enqueue_FullMethodName:      PermissionUnitEnqueue,
	api.UnitService_Cancel_FullMethodName:       PermissionJobCancel,
	api.UnitService_Snapshot_FullMethodName:     PermissionUnitView,
	api.UnitService_Watch_FullMethodName:        PermissionUnitView,
	api.UnitService_StreamOutput_FullMethodName: PermissionUnitStream,
	api.UnitService_Pause_FullMethodName:        PermissionManagerControl,
	api.UnitService_Resume_FullMethodName:       PermissionManagerControl,
}

// publicServices may be called by any authenticated client.
var publicServices = []string{
	"grpc.health.v1.Health",
	"grpc.reflection.v1.ServerReflection",
	"grpc.reflection.v1alpha.ServerReflection",
}

// IsPublic reports whether method belongs to a service that needs no
// permission.
func IsPublic(method string) bool {
	service, _, ok := strings.Cut(strings.TrimPrefix(method, "/"), "/")

	return ok && slices.Contains(publicServices, service)
}

// GetClientIdentity returns the common name and first organisational unit
// of the verified client certificate.
func GetClientIdentity(ctx context.Context) (string, string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", "", fmt.Errorf("failed to get peer info from context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", "", fmt.Errorf("failed to get TLS info from peer auth info")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 ||
		len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", "", fmt.Errorf("no verified chains in TLS info")
	}

	cert := tlsInfo.State.VerifiedChains[0][0]

	var ou string
	if len(cert.Subject.OrganizationalUnit) > 0 {
		ou = cert.Subject.OrganizationalUnit[0]
	}

	return cert.Subject.CommonName, ou, nil
}

func IsAuthorised(role Role, method string) error {
	required, ok := MethodPermissions[method]
	if !ok {
		return fmt.Errorf("%s: %w", method, ErrUnknownMethod)
	}

	permissions, ok := RolePermissions[role]
	if !ok {
		return fmt.Errorf("%q: %w", role, ErrUnknownRole)
	}

	if !slices.Contains(permissions, required) {
		return fmt.Errorf("%s needs %s: %w", method, required, ErrNotPermitted)
	}

	return nil
}

// Authorise checks the client on ctx may call method, returning the
// client's common name.
func Authorise(ctx context.Context, method string) (string, error) {
	cn, ou, err := GetClientIdentity(ctx)
	if err != nil {
		return "", fmt.Errorf("get client identity: %w", err)
	}

	if IsPublic(method) {
		return cn, nil
	}

	if err := IsAuthorised(Role(ou), method); err != nil {
		return cn, fmt.Errorf("authorise client %s: %w", cn, err)
	}

	return cn, nil
}
