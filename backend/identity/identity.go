package identity

import (
	"errors"
	"time"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("credential verification failed")
)

// Claims carries the participant identity inside the token. The subject
// is the externally issued participant id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks client credentials signed with a shared HS256 key.
type Verifier struct {
	key []byte
}

func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key}
}

// Verify parses the credential and returns the participant it identifies.
// Any parse, signature or expiry failure comes back as ErrUnauthorized.
func (v *Verifier) Verify(credential string) (model.Participant, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.key, nil
	})
	if err != nil {
		return model.Participant{}, errors.Join(ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return model.Participant{}, ErrUnauthorized
	}
	return model.Participant{ID: claims.Subject, Name: claims.Name}, nil
}

// Issue signs a credential for a participant. Used by tests and by the
// operator tooling that provisions client tokens.
func (v *Verifier) Issue(participantID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
