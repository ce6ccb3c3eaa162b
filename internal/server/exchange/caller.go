// Package exchange routes protocol frames to the services. Every transport
// (REST, socket, rpc) authenticates the device into a Caller and hands the
// frame to the same Dispatcher.
package exchange

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/server/auth"
)

// Session is a push-capable connection that can subscribe to projects.
type Session interface {
	Join(projetUUID string)
}

// Caller identifies who sent a frame and over what.
type Caller struct {
	AuthorUUID string
	DeviceID   string
	Session    Session
}

// Authenticator turns transport credentials into a Caller.
type Authenticator struct {
	secret   []byte
	validity time.Duration
	required bool
}

func NewAuthenticator(secret string, validity time.Duration, required bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), validity: validity, required: required}
}

// Authenticate checks the access token. A missing token is accepted only
// when authentication is optional; an invalid one is always refused.
func (a *Authenticator) Authenticate(token, deviceID string) (Caller, error) {
	if token == "" {
		if a.required {
			return Caller{}, fmt.Errorf("%w: missing token", common.ErrorUnauthorized)
		}
		return Caller{DeviceID: deviceID}, nil
	}

	claims, err := auth.ParseToken(token, a.secret)
	if err != nil {
		return Caller{}, err
	}
	if deviceID == "" {
		deviceID = claims.DeviceID
	}
	return Caller{AuthorUUID: claims.AuthorUUID, DeviceID: deviceID}, nil
}

// Issue mints a token for author on device.
func (a *Authenticator) Issue(authorUUID, deviceID string) (string, error) {
	return auth.GenerateToken(authorUUID, deviceID, a.secret, a.validity)
}
