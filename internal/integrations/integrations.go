// Package integrations manages the switchboard of external automation
// platforms a plugin endpoint may be exposed to.
package integrations

import (
	"context"
	"strings"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/store"
)

// builtins are always present and cannot be deleted.
var builtins = []store.Integration{
	{ID: "nintex", Name: "Nintex", IsEnabled: true, IsBuiltin: true},
	{ID: "make", Name: "Make", IsEnabled: true, IsBuiltin: true},
	{ID: "zapier", Name: "Zapier", IsEnabled: true, IsBuiltin: true},
	{ID: "n8n", Name: "n8n", IsEnabled: true, IsBuiltin: true},
	{ID: "power-automate", Name: "Power Automate", IsEnabled: true, IsBuiltin: true},
}

// Service wraps the store with id normalization and builtin guards.
type Service struct {
	store store.Store
}

// NewService seeds the builtin set if missing and returns the service.
func NewService(ctx context.Context, st store.Store) (*Service, error) {
	s := &Service{store: st}
	for i := range builtins {
		b := builtins[i]
		if _, err := st.GetIntegration(ctx, b.ID); err == nil {
			continue
		} else if !store.IsNotFound(err) {
			return nil, err
		}
		if err := st.SaveIntegration(ctx, &b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// normalize lowercases ids on both write and lookup so casing in the
// request can never create a parallel record.
func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Get returns one integration.
func (s *Service) Get(ctx context.Context, id string) (*store.Integration, error) {
	in, err := s.store.GetIntegration(ctx, normalize(id))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.CodePluginNotFound, "integration %s not found", id)
		}
		return nil, err
	}
	return in, nil
}

// List returns all integrations.
func (s *Service) List(ctx context.Context) ([]*store.Integration, error) {
	return s.store.ListIntegrations(ctx)
}

// Save creates or updates an integration. Builtin flags are preserved.
func (s *Service) Save(ctx context.Context, in *store.Integration) error {
	if in.ID == "" || in.Name == "" {
		return errdefs.New(errdefs.CodeValidation, "integration requires id and name")
	}
	in.ID = normalize(in.ID)
	if existing, err := s.store.GetIntegration(ctx, in.ID); err == nil {
		in.IsBuiltin = existing.IsBuiltin
	}
	return s.store.SaveIntegration(ctx, in)
}

// SetEnabled flips the integration switch.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*store.Integration, error) {
	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in.IsEnabled = enabled
	if err := s.store.SaveIntegration(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Delete removes a non-builtin integration.
func (s *Service) Delete(ctx context.Context, id string) error {
	in, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.IsBuiltin {
		return errdefs.New(errdefs.CodeForbidden, "built-in integration %s cannot be deleted", in.ID)
	}
	return s.store.DeleteIntegration(ctx, in.ID)
}

// Require returns INTEGRATION_DISABLED unless the integration is
// enabled. Unknown ids pass: gating only applies to configured ones.
func (s *Service) Require(ctx context.Context, id string) error {
	in, err := s.store.GetIntegration(ctx, normalize(id))
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !in.IsEnabled {
		return errdefs.New(errdefs.CodeIntegrationOff, "integration %s is disabled", in.ID)
	}
	return nil
}
