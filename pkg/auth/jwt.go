// Package auth issues and checks the join tokens a hub may require from children.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalid = errors.New("invalid token")

// JoinClaims authorizes a node to register under a hub. An empty Subject admits
// any node.
type JoinClaims struct {
	NodeType string `json:"node_type,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJoinToken signs a token for nodeID (may be empty) valid for ttl.
func GenerateJoinToken(secret []byte, nodeID, nodeType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JoinClaims{
		NodeType: nodeType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseJoinToken validates tokenStr and returns its claims.
func ParseJoinToken(secret []byte, tokenStr string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &JoinClaims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*JoinClaims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}

// Admits reports whether the claims allow nodeID to register as nodeType. Empty
// claim fields admit anything.
func (c *JoinClaims) Admits(nodeID, nodeType string) bool {
	return (c.Subject == "" || c.Subject == nodeID) && (c.NodeType == "" || c.NodeType == nodeType)
}
