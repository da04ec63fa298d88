package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ksred/brokerbridge/internal/types"
	"github.com/rs/zerolog/log"
)

// refreshMargin is how close to expiry an access token may get before it is
// refreshed.
const refreshMargin = 5 * time.Minute

// TokenExchanger performs the brokerage's two OAuth2 grants.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code, clientID, redirectURI string) (*types.TokenGrant, error)
	ExchangeRefresh(ctx context.Context, refreshToken, clientID string) (*types.TokenGrant, error)
}

// SessionConfig names the OAuth application the session authenticates as.
type SessionConfig struct {
	ClientID    string
	RedirectURI string
	AuthURL     string
}

// Session owns the token lifecycle for one client id: it reads the persisted
// token, refreshes it when close to expiry and falls back to the interactive
// authorization-code grant when nothing usable is stored.
type Session struct {
	cfg       SessionConfig
	store     TokenStore
	exchanger TokenExchanger
	codes     AuthorizationCodeProvider
	now       func() time.Time

	mu sync.Mutex
}

func NewSession(cfg SessionConfig, store TokenStore, exchanger TokenExchanger, codes AuthorizationCodeProvider) *Session {
	return &Session{
		cfg:       cfg,
		store:     store,
		exchanger: exchanger,
		codes:     codes,
		now:       time.Now,
	}
}

// WithClock replaces the session's time source.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// Login makes sure a usable token exists for the configured client id.
func (s *Session) Login(ctx context.Context) error {
	_, err := s.EnsureToken(ctx, s.cfg.ClientID)
	return err
}

// AccessToken returns a bearer token for the configured client id.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	tok, err := s.EnsureToken(ctx, s.cfg.ClientID)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// EnsureToken returns a token whose access expiry is more than five minutes
// away, refreshing or re-authorizing as needed. Failures are *types.AuthError.
func (s *Session) EnsureToken(ctx context.Context, clientID string) (*types.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.With().Str("component", "auth_session").Str("client_id", clientID).Logger()

	record, err := s.store.Load(clientID)
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			logger.Warn().Err(err).Msg("unreadable token file, re-authorizing")
		}
		return s.authorize(ctx, clientID)
	}

	tok, err := DecodeRecord(record)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed token record, re-authorizing")
		return s.authorize(ctx, clientID)
	}

	if tok.AccessExpiresAt.Sub(s.now().UTC()) > refreshMargin {
		return tok, nil
	}

	if tok.RefreshToken == "" {
		return s.authorize(ctx, clientID)
	}

	logger.Info().Time("access_expires_at", tok.AccessExpiresAt).Msg("refreshing access token")
	grant, err := s.exchanger.ExchangeRefresh(ctx, tok.RefreshToken, clientID)
	if err != nil {
		return nil, &types.AuthError{Op: "refresh", Err: err}
	}
	return s.save(grant, clientID)
}

// Save stamps the grant's absolute expiries and persists it, replacing any
// previous token.
func (s *Session) Save(grant *types.TokenGrant, clientID string) (*types.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(grant, clientID)
}

func (s *Session) save(grant *types.TokenGrant, clientID string) (*types.AuthToken, error) {
	if grant == nil || grant.AccessToken == "" || grant.RefreshToken == "" {
		return nil, &types.AuthError{Op: "save", Err: errors.New("grant is missing the access or refresh token")}
	}

	now := s.now().UTC()
	tok := &types.AuthToken{
		AccessToken:      grant.AccessToken,
		RefreshToken:     grant.RefreshToken,
		AccessExpiresAt:  now.Add(time.Duration(grant.ExpiresIn) * time.Second),
		RefreshExpiresAt: now.Add(time.Duration(grant.RefreshTokenExpiresIn) * time.Second),
		AccessExpiresIn:  grant.ExpiresIn,
		RefreshExpiresIn: grant.RefreshTokenExpiresIn,
	}
	if err := s.store.Save(clientID, EncodeRecord(tok)); err != nil {
		return nil, &types.AuthError{Op: "save", Err: err}
	}

	log.Info().
		Str("component", "auth_session").
		Str("client_id", clientID).
		Time("access_expires_at", tok.AccessExpiresAt).
		Msg("token saved")
	return tok, nil
}

func (s *Session) authorize(ctx context.Context, clientID string) (*types.AuthToken, error) {
	if s.codes == nil {
		return nil, &types.AuthError{Op: "authorize", Err: errors.New("no authorization code provider")}
	}
	code, err := s.codes.AuthorizationCode(ctx, ConsentURL(s.cfg.AuthURL, clientID, s.cfg.RedirectURI))
	if err != nil {
		return nil, &types.AuthError{Op: "authorize", Err: err}
	}
	grant, err := s.exchanger.ExchangeCode(ctx, code, clientID, s.cfg.RedirectURI)
	if err != nil {
		return nil, &types.AuthError{Op: "authorize", Err: err}
	}
	return s.save(grant, clientID)
}
