// Package common contains shared constants and sentinel errors used across
// digsync components.
package common

// AccessTokenHeaderName is the gRPC/HTTP metadata key used to carry the
// device access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// DeviceHeaderName carries the device identifier so the server can skip
// echoing pushes back to the device that produced them.
const DeviceHeaderName = "device_id"
