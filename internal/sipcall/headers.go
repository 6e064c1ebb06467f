package sipcall

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// challengeHeaders returns the challenge/credential header pair for a
// 401 or 407 response.
func challengeHeaders(statusCode int) (authHeader, authzHeader string) {
	if statusCode == 407 {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// digestCredentials parses the challenge from res and computes the digest
// credentials for the given request method and URI. The challenge's realm,
// nonce, qop and algorithm are honored as provided (MD5 at minimum).
func digestCredentials(res *sip.Response, method, uri, username, password string) (authzHeader string, value string, err error) {
	authHeader, authzHeader := challengeHeaders(res.StatusCode)

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return "", "", fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return "", "", fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", "", fmt.Errorf("computing digest: %w", err)
	}

	return authzHeader, cred.String(), nil
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as "<sip:user@host>;expires=3600". Returns 0 if absent or
// unparseable.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next semicolon, comma, or end of string.
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (plain seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}
