package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/types"
)

func TestResolveConfiguredUser(t *testing.T) {
	identity, err := Resolve(context.Background(), config.IdentityConfig{UserId: "u1", Name: "Ada", IdToken: "ignored"}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.Identity{UserId: "u1", Name: "Ada", Role: types.RoleStudent}, identity)

	identity, err = Resolve(context.Background(), config.IdentityConfig{UserId: "t1", Role: "instructor"}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RoleInstructor, identity.Role)
}

func TestResolveDeferred(t *testing.T) {
	identity, err := Resolve(context.Background(), config.IdentityConfig{Name: "Ada"}, nil)
	require.NoError(t, err)
	assert.False(t, identity.Known())
}

func TestResolveUnknownProvider(t *testing.T) {
	providers := []config.OIDCConfig{{Name: "a"}, {Name: "b"}}
	_, err := Resolve(context.Background(), config.IdentityConfig{IdToken: "x", Provider: "c"}, providers)
	assert.Equal(t, ErrUnknownProvider, err)
	_, err = Resolve(context.Background(), config.IdentityConfig{IdToken: "x"}, providers)
	assert.Equal(t, ErrUnknownProvider, err, "ambiguous without a name")
}

func TestFindProvider(t *testing.T) {
	providers := []config.OIDCConfig{{Name: "google"}}
	assert.Equal(t, "google", findProvider("", providers).Name)
	assert.Equal(t, "google", findProvider("google", providers).Name)
	assert.Nil(t, findProvider("other", providers))
}

func TestResolveDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	providers := []config.OIDCConfig{{Name: "broken", ProviderUrl: srv.URL}}
	identity, err := Resolve(context.Background(), config.IdentityConfig{IdToken: "x", Provider: "broken"}, providers)
	assert.Error(t, err)
	assert.False(t, identity.Known())
}
