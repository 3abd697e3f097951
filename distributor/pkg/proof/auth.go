package proof

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
)

type Action string

const (
	ActionSubmit   Action = "submit"
	ActionFinalize Action = "finalize"
)

// SignedRequest is a submit or finalize call signed by the backend principal.
type SignedRequest struct {
	Action    Action `json:"action"`
	Week      uint64 `json:"week"`
	Timestamp int64  `json:"timestamp"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Message is the byte string a principal signs for action on week at ts.
func Message(action Action, week uint64, ts int64) []byte {
	return []byte("ideepx-proof:" + string(action) + ":" + strconv.FormatUint(week, 10) + ":" + strconv.FormatInt(ts, 10))
}

// Signer produces signed requests for the backend principal.
type Signer struct {
	key   ed25519.PrivateKey
	clock clockwork.Clock
}

func NewSigner(key ed25519.PrivateKey, clock clockwork.Clock) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: expected %d, got %d", ed25519.PrivateKeySize, len(key))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{key: key, clock: clock}, nil
}

// ParsePrivateKey decodes a base58 ed25519 private key, the format Solana
// keypairs use.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: expected %d, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}

func (s *Signer) PublicKey() string {
	return base58.Encode(s.key.Public().(ed25519.PublicKey))
}

func (s *Signer) Sign(action Action, week uint64) SignedRequest {
	ts := s.clock.Now().Unix()
	sig := ed25519.Sign(s.key, Message(action, week, ts))
	return SignedRequest{
		Action:    action,
		Week:      week,
		Timestamp: ts,
		PublicKey: s.PublicKey(),
		Signature: base58.Encode(sig),
	}
}

// Authorizer accepts only requests signed by the configured principal.
type Authorizer struct {
	principal ed25519.PublicKey
	encoded   string
	clock     clockwork.Clock
	maxSkew   time.Duration
}

func NewAuthorizer(publicKeyBase58 string, clock clockwork.Clock, maxSkew time.Duration) (*Authorizer, error) {
	b, err := base58.Decode(publicKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(b))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Authorizer{principal: b, encoded: publicKeyBase58, clock: clock, maxSkew: maxSkew}, nil
}

func (a *Authorizer) Principal() string { return a.encoded }

// Authorize checks that req is a fresh signature by the principal over
// exactly action and week.
func (a *Authorizer) Authorize(req SignedRequest, action Action, week uint64) (string, error) {
	if req.Action != action || req.Week != week {
		return "", fmt.Errorf("%w: request is for %s week %d", ErrUnauthorized, req.Action, req.Week)
	}
	if req.PublicKey != a.encoded {
		return "", fmt.Errorf("%w: %s is not the backend principal", ErrUnauthorized, req.PublicKey)
	}
	skew := a.clock.Now().Sub(time.Unix(req.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return "", fmt.Errorf("%w: request timestamp outside allowed window", ErrUnauthorized)
	}
	sig, err := base58.Decode(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}
	if !ed25519.Verify(a.principal, Message(action, week, req.Timestamp), sig) {
		return "", fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	return a.encoded, nil
}
