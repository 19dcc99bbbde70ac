package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("auth")

// MinSecretLen is the minimum length of the signing secret in bytes
const MinSecretLen = 32

var (
	ErrSecretTooShort   = errors.New("auth token secret is too short (min 32 bytes)")
	ErrInvalidFormat    = errors.New("invalid auth token format")
	ErrInvalidSignature = errors.New("auth token signature is invalid")
	ErrExpired          = errors.New("auth token is expired")
	ErrPayloadDecode    = errors.New("failed to decode auth token payload")
	ErrPayloadParse     = errors.New("failed to parse auth token payload")
)

var b64 = base64.RawURLEncoding

// --------------------------------------------------------------------------
// Claims
// --------------------------------------------------------------------------

// CharacterClaim is a character the session is allowed to play
type CharacterClaim struct {
	CharacterID uint64 `json:"character_id"`
	DBID        string `json:"db_id"`
	Name        string `json:"name"`
	ClassID     uint8  `json:"class_id"`
	Level       uint16 `json:"level"`
}

// Summary converts the claim to the protocol view
func (c CharacterClaim) Summary() protocol.CharacterSummary {
	return protocol.CharacterSummary{
		CharacterID: c.CharacterID,
		Name:        c.Name,
		ClassID:     c.ClassID,
		Level:       c.Level,
	}
}

// SessionClaims is the payload of a session token
type SessionClaims struct {
	AccountID   uint64           `json:"account_id"`
	SessionID   string           `json:"session_id"`
	IssuedAtMs  uint64           `json:"issued_at_ms"`
	ExpiresAtMs uint64           `json:"expires_at_ms"`
	Characters  []CharacterClaim `json:"characters"`
}

// IsExpired reports whether the claims are expired at nowMs
func (c *SessionClaims) IsExpired(nowMs uint64) bool {
	return nowMs >= c.ExpiresAtMs
}

// HasCharacter reports whether characterID is listed in the claims
func (c *SessionClaims) HasCharacter(characterID uint64) bool {
	for _, ch := range c.Characters {
		if ch.CharacterID == characterID {
			return true
		}
	}
	return false
}

// CharacterList returns the listed characters in protocol form
func (c *SessionClaims) CharacterList() []protocol.CharacterSummary {
	out := make([]protocol.CharacterSummary, 0, len(c.Characters))
	for _, ch := range c.Characters {
		out = append(out, ch.Summary())
	}
	return out
}

// TransferClaims is the payload of the route token handed out with a MapTransfer
type TransferClaims struct {
	SessionID   uint64            `json:"session_id"`
	TransferID  uint64            `json:"transfer_id"`
	CharacterID uint64            `json:"character_id"`
	Route       protocol.RouteKey `json:"route"`
	IssuedAtMs  uint64            `json:"issued_at_ms"`
	ExpiresAtMs uint64            `json:"expires_at_ms"`
}

// IsExpired reports whether the claims are expired at nowMs
func (c *TransferClaims) IsExpired(nowMs uint64) bool {
	return nowMs >= c.ExpiresAtMs
}

// --------------------------------------------------------------------------
// Service
// --------------------------------------------------------------------------

// Service issues and verifies HMAC-SHA256 signed tokens of the form
// base64url(json) "." base64url(mac)
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService creates a token service. Session tokens are valid for ttl.
func NewService(secret []byte, ttl time.Duration) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Service{secret: append([]byte(nil), secret...), ttl: ttl}, nil
}

// TTL returns the lifetime of session tokens
func (s *Service) TTL() time.Duration { return s.ttl }

// IssueSessionToken signs new session claims valid from issuedAtMs for the service TTL
func (s *Service) IssueSessionToken(accountID uint64, sessionID string, characters []CharacterClaim, issuedAtMs uint64) (string, error) {
	return s.Issue(&SessionClaims{
		AccountID:   accountID,
		SessionID:   sessionID,
		IssuedAtMs:  issuedAtMs,
		ExpiresAtMs: issuedAtMs + uint64(s.ttl.Milliseconds()),
		Characters:  characters,
	})
}

// Issue signs the given session claims
func (s *Service) Issue(claims *SessionClaims) (string, error) {
	return s.issue(claims)
}

// IssueTransferToken signs transfer claims
func (s *Service) IssueTransferToken(claims *TransferClaims) (string, error) {
	return s.issue(claims)
}

// Verify checks a session token. Claims without a session id count as expired.
func (s *Service) Verify(token string, nowMs uint64) (*SessionClaims, error) {
	var claims SessionClaims
	if err := s.verify(token, &claims); err != nil {
		return nil, err
	}
	if claims.SessionID == "" || claims.IsExpired(nowMs) {
		return nil, ErrExpired
	}
	return &claims, nil
}

// VerifyTransferToken checks a route token
func (s *Service) VerifyTransferToken(token string, nowMs uint64) (*TransferClaims, error) {
	var claims TransferClaims
	if err := s.verify(token, &claims); err != nil {
		return nil, err
	}
	if claims.IsExpired(nowMs) {
		return nil, ErrExpired
	}
	return &claims, nil
}

func (s *Service) issue(payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", ErrPayloadParse
	}
	payloadB64 := b64.EncodeToString(raw)
	return payloadB64 + "." + b64.EncodeToString(s.sign([]byte(payloadB64))), nil
}

func (s *Service) verify(token string, out interface{}) error {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return ErrInvalidFormat
	}
	sig, err := b64.DecodeString(sigB64)
	if err != nil {
		return ErrInvalidFormat
	}
	if !hmac.Equal(sig, s.sign([]byte(payloadB64))) {
		log.Debugf("rejected token with invalid signature")
		return ErrInvalidSignature
	}
	raw, err := b64.DecodeString(payloadB64)
	if err != nil {
		return ErrPayloadDecode
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrPayloadParse
	}
	return nil
}

func (s *Service) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// NowMs returns the wall clock in unix milliseconds
func NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
