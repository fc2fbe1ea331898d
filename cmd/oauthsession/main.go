// Command oauthsession runs the login service: an OAuth2 authorization code
// flow with PKCE against one identity provider, backed by server-side
// sessions.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
