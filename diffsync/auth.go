package diffsync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt string
}

type ByJwt struct {
	ClientId string
	Sub      string
}

// ParseByJwtUnverified extracts the claimed identity from the token
// without signature verification. Verification belongs to the platform
// issuing the tokens, not to the sync engine.
func (self *ClientAuth) ParseByJwtUnverified() (*ByJwt, error) {
	if self.ByJwt == "" {
		return nil, fmt.Errorf("missing jwt")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if clientId, ok := claims["client_id"]; ok {
		if clientIdStr, ok := clientId.(string); ok {
			byJwt.ClientId = clientIdStr
		}
	}
	if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			byJwt.Sub = subStr
		}
	}
	return byJwt, nil
}
