package services

import (
	"context"
	"fmt"

	"github.com/username/taxfolio/ledger/src/apperrors"
)

// PriceFeedProvider names the credentials the quote client asks for.
const PriceFeedProvider = "price_feed"

type staticCredentialStore struct {
	secrets map[string][]byte
}

// NewStaticCredentialStore serves credentials supplied at startup, keyed by
// provider. Empty values are treated as absent.
func NewStaticCredentialStore(secrets map[string]string) CredentialStore {
	s := &staticCredentialStore{secrets: make(map[string][]byte, len(secrets))}
	for provider, secret := range secrets {
		if secret != "" {
			s.secrets[provider] = []byte(secret)
		}
	}
	return s
}

func (s *staticCredentialStore) GetActiveCredentials(_ context.Context, provider string) ([]byte, error) {
	secret, ok := s.secrets[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no active credentials for %q", apperrors.ErrNotFound, provider)
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, nil
}
