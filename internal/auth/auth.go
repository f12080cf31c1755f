package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// ErrMissingToken is returned when no Graph bearer token is configured.
// Acquiring tokens is out of scope; operators supply one.
var ErrMissingToken = errors.New("graph bearer token is not configured")

// NewGraphHTTPClient returns an HTTP client that attaches token as a bearer
// credential to every request.
func NewGraphHTTPClient(ctx context.Context, token string, timeout time.Duration) (*http.Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = timeout
	return client, nil
}

// NewPubSubClient creates a Pub/Sub client using Application Default Credentials
// Users must run: gcloud auth application-default login
// PUBSUB_EMULATOR_HOST is honoured by the client library.
func NewPubSubClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*pubsub.Client, error) {
	return pubsub.NewClient(ctx, projectID, opts...)
}
