// Package metadata stores small device-level settings (author uuid, device
// id, access token) as key/value pairs next to the object store.
package metadata

import (
	"context"
)

// Well-known keys.
const (
	KeyAuthorUUID  = "author_uuid"
	KeyDeviceID    = "device_id"
	KeyAccessToken = "access_token"
	KeyProjet      = "current_projet"
)

type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}

// GetString reads key as a string; a missing key yields "".
func GetString(ctx context.Context, r Repository, key string) (string, error) {
	v, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// GetOrInit returns the value stored under key, storing and returning
// init() when the key is missing or empty.
func GetOrInit(ctx context.Context, r Repository, key string, init func() string) (string, error) {
	v, err := GetString(ctx, r, key)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	v = init()
	if err := r.Set(ctx, key, []byte(v)); err != nil {
		return "", err
	}
	return v, nil
}
