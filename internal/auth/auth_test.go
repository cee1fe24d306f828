package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/scavd/internal/logging"
)

func TestRoleAuthorizer(t *testing.T) {
	a := NewRoleAuthorizer(logging.Nop())

	tests := []struct {
		name string
		p    *Principal
		want bool
	}{
		{"nil principal", nil, false},
		{"no roles", &Principal{Name: "bob"}, false},
		{"admin", &Principal{Name: "admin", Roles: []string{RoleAdmins}}, true},
		{"ops", &Principal{Name: "ops", Roles: []string{"readers", RoleOperations}}, true},
		{"other role", &Principal{Name: "eve", Roles: []string{"$readers"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.IsAllowed(tt.p))
		})
	}
}

func TestPrincipal_String(t *testing.T) {
	var p *Principal
	assert.Equal(t, "anonymous", p.String())
	assert.Equal(t, "admin", (&Principal{Name: "admin"}).String())
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, PrincipalFromContext(ctx))

	p := &Principal{Name: "admin"}
	assert.Same(t, p, PrincipalFromContext(WithPrincipal(ctx, p)))
}

func TestCredentialStore_LoadFromString(t *testing.T) {
	cs := NewCredentialStore()
	require.NoError(t, cs.LoadFromString("admin:changeit:$admins; ops:secret:$ops,$readers ;viewer:pw"))
	assert.Equal(t, 3, cs.Count())

	p, err := cs.Authenticate("ops", "secret")
	require.NoError(t, err)
	assert.Equal(t, "ops", p.Name)
	assert.Equal(t, []string{"$ops", "$readers"}, p.Roles)

	p, err = cs.Authenticate("viewer", "pw")
	require.NoError(t, err)
	assert.Empty(t, p.Roles)

	_, err = cs.Authenticate("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = cs.Authenticate("nobody", "changeit")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCredentialStore_PasswordMayContainColon(t *testing.T) {
	cs := NewCredentialStore()
	cs.Add("admin", "a:b", RoleAdmins)

	p, err := cs.Authenticate("admin", "a:b")
	require.NoError(t, err)
	assert.True(t, p.HasRole(RoleAdmins))
}

func TestCredentialStore_Malformed(t *testing.T) {
	cs := NewCredentialStore()
	assert.Error(t, cs.LoadFromString("justauser"))
	assert.Error(t, cs.LoadFromString(":pw:$admins"))
}

func TestCredentialStore_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	data := "# admin users\n\nadmin:changeit:$admins\nops:secret:$ops\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cs := NewCredentialStore()
	require.NoError(t, cs.LoadFromFile(path))
	assert.Equal(t, 2, cs.Count())

	p, err := cs.Authenticate("admin", "changeit")
	require.NoError(t, err)
	assert.True(t, p.HasRole(RoleAdmins))
}

func TestCredentialStore_LoadFromFileBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(path, []byte("admin:pw:$admins\nbroken\n"), 0o600))

	err := NewCredentialStore().LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestCredentialStore_MissingFile(t *testing.T) {
	assert.Error(t, NewCredentialStore().LoadFromFile(filepath.Join(t.TempDir(), "nope")))
}
