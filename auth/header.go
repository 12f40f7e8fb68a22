package auth

const bearerPrefix = "Bearer "

// BearerHeader formats token as an Authorization header value.
func BearerHeader(token string) string {
	return bearerPrefix + token
}
