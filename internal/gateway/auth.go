package gateway

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/harryaskham/io-mcp/internal/config"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the resolved auth configuration for the gateway.
type ResolvedAuth struct {
	Mode  string
	Token string
}

// ResolveAuth resolves authentication credentials from config and
// environment. Precedence: config value, then IO_MCP_TOKEN.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{Mode: cfg.Mode, Token: cfg.Token}
	if auth.Token == "" {
		auth.Token = os.Getenv("IO_MCP_TOKEN")
	}
	if auth.Mode == "" {
		if auth.Token != "" {
			auth.Mode = "token"
		} else {
			auth.Mode = "none"
		}
	}
	return auth
}

// Authorize checks the provided ConnectAuth against the resolved server auth.
func Authorize(serverAuth ResolvedAuth, clientAuth *ConnectAuth) AuthResult {
	if serverAuth.Mode == "none" {
		return AuthResult{OK: true}
	}
	if serverAuth.Token == "" {
		return AuthResult{OK: false, Reason: "server token not configured"}
	}
	if clientAuth == nil || clientAuth.Token == "" {
		return AuthResult{OK: false, Reason: "token required"}
	}
	if !safeEqual(clientAuth.Token, serverAuth.Token) {
		return AuthResult{OK: false, Reason: "token_mismatch"}
	}
	return AuthResult{OK: true}
}

// AuthorizeHTTP checks a bearer token on a frontend HTTP request.
func AuthorizeHTTP(serverAuth ResolvedAuth, r *http.Request) AuthResult {
	if serverAuth.Mode == "none" {
		return AuthResult{OK: true}
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return Authorize(serverAuth, &ConnectAuth{Token: token})
}

// safeEqual compares two strings in constant time.
func safeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
