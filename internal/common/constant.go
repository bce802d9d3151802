package common

// AccessTokenHeaderName is the HTTP header used to carry the access token on
// outbound requests to the fallback REST surface.
const AccessTokenHeaderName = "Authorization"

// Permission levels a record share can grant.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)
