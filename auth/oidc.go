package auth

import (
	"context"
	"errors"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
)

var (
	ErrUnknownProvider = errors.New("no oidc config found for provider")
	ErrNoUserId        = errors.New("id token carries no email claim")
)

type claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Resolve determines the identity of the signed-in user. A configured user id is taken as it is, otherwise the ID
// token is verified with the named OIDC provider and the "email" claim becomes the user id. If neither is
// configured, the empty identity is returned and the chat handshake stays deferred.
func Resolve(ctx context.Context, identityCfg config.IdentityConfig, providers []config.OIDCConfig) (types.Identity, error) {
	identity := types.Identity{
		UserId: identityCfg.UserId,
		Name:   identityCfg.Name,
		Role:   types.Role(identityCfg.Role),
	}
	if identity.Role == "" {
		identity.Role = types.RoleStudent
	}
	if identity.UserId != "" {
		return identity, nil
	}
	if identityCfg.IdToken == "" {
		globals.AppLogger.Debug("no user id and no id token configured, identity unknown")
		return types.Identity{}, nil
	}

	oidcConf := findProvider(identityCfg.Provider, providers)
	if oidcConf == nil {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", identityCfg.Provider)
		return types.Identity{}, ErrUnknownProvider
	}
	c, err := verify(ctx, oidcConf, identityCfg.IdToken)
	if err != nil {
		return types.Identity{}, err
	}
	// TODO: the user id is the email claim, make the claim configurable once a provider without email shows up
	if c.Email == "" {
		return types.Identity{}, ErrNoUserId
	}
	identity.UserId = c.Email
	if identity.Name == "" {
		identity.Name = c.Name
	}
	return identity, nil
}

// findProvider returns the provider with the given name. Without a name, a single configured provider is used.
func findProvider(name string, providers []config.OIDCConfig) *config.OIDCConfig {
	if name == "" && len(providers) == 1 {
		return &providers[0]
	}
	for i := range providers {
		if providers[i].Name == name {
			return &providers[i]
		}
	}
	return nil
}

func verify(ctx context.Context, oidcConf *config.OIDCConfig, idToken string) (claims, error) {
	c := claims{}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return c, err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifiedIdToken, err := provider.Verifier(&conf).Verify(ctx, idToken)
	if err != nil {
		globals.AppLogger.Error("could not verify id token", "provider", oidcConf.Name, "error", err)
		return c, err
	}
	err = verifiedIdToken.Claims(&c)
	return c, err
}
