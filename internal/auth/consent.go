package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// AuthorizationCodeProvider obtains a one-time authorization code from the
// account holder after they approve access at consentURL.
type AuthorizationCodeProvider interface {
	AuthorizationCode(ctx context.Context, consentURL string) (string, error)
}

// ConsentURL builds the brokerage's authorization-code consent URL.
func ConsentURL(authURL, clientID, redirectURI string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURI)
	q.Set("client_id", clientID+"@AMER.OAUTHAP")
	return authURL + "?" + q.Encode()
}

// PromptCodeProvider prints the consent URL and reads back either the raw
// code or the full redirected URL the browser landed on.
type PromptCodeProvider struct {
	In  io.Reader
	Out io.Writer
}

func (p *PromptCodeProvider) AuthorizationCode(ctx context.Context, consentURL string) (string, error) {
	fmt.Fprintf(p.Out, "Open the following URL, approve access, then paste the redirected URL here:\n%s\n> ", consentURL)

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errs:
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	case line := <-lines:
		return extractCode(line)
	}
}

// StaticCodeProvider always returns the same code.
type StaticCodeProvider string

func (p StaticCodeProvider) AuthorizationCode(context.Context, string) (string, error) {
	if p == "" {
		return "", errors.New("no authorization code configured")
	}
	return string(p), nil
}

func extractCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.Contains(input, "code=") {
		return input, nil
	}
	if i := strings.Index(input, "?"); i >= 0 {
		input = input[i+1:]
	}
	q, err := url.ParseQuery(input)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect url: %w", err)
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect url carries no code")
	}
	return code, nil
}
