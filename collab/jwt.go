package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the participant behind a session token
type Identity struct {
	UserId   string
	Nickname string
}

// the name shown to other participants
func (self *Identity) DisplayName() string {
	if self.Nickname != "" {
		return self.Nickname
	}
	return self.UserId
}

// reads the participant from the token claims without verifying the signature.
// Tokens are issued and verified by the api. The client only needs the claims.
func ParseIdentityUnverified(token string) (*Identity, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsedToken.Claims.(gojwt.MapClaims)

	identity := &Identity{}

	if userId, ok := claimString(claims, "user_id"); ok {
		identity.UserId = userId
	} else if sub, ok := claimString(claims, "sub"); ok {
		identity.UserId = sub
	}
	if nickname, ok := claimString(claims, "nickname"); ok {
		identity.Nickname = nickname
	} else if name, ok := claimString(claims, "name"); ok {
		identity.Nickname = name
	}

	if identity.UserId == "" {
		return nil, &ValidationError{Field: "token", Message: "token has no user id"}
	}
	return identity, nil
}

// numeric ids are formatted without a fraction
func claimString(claims gojwt.MapClaims, name string) (string, bool) {
	switch v := claims[name].(type) {
	case string:
		return v, v != ""
	case float64:
		return fmt.Sprintf("%.0f", v), true
	default:
		return "", false
	}
}
