package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/hearthlink/hearthlink/pkg/types"
)

// emptyPayloadHash is the SHA-256 of an empty body, used for GET presigning.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Signer produces signed requests and URLs from temporary credentials. The
// signature algorithm itself lives in the AWS SDK; this interface exists so
// the session manager and discovery client never touch SDK types directly
// and tests can substitute a stub.
type Signer interface {
	// PresignWebSocket returns a wss:// URL for the streaming endpoint,
	// presigned with the given credentials.
	PresignWebSocket(ctx context.Context, creds types.SessionCredentials, endpoint, region string, at time.Time) (string, error)

	// SignRequest signs an HTTP request in place for the given service.
	SignRequest(ctx context.Context, creds types.SessionCredentials, req *http.Request, payload []byte, service, region string, at time.Time) error
}

// V4 implements Signer with SigV4.
type V4 struct {
	signer *v4.Signer
}

// NewV4 creates a SigV4 signer.
func NewV4() *V4 {
	return &V4{signer: v4.NewSigner()}
}

// PresignWebSocket presigns a GET of /mqtt on the streaming endpoint for the
// device-gateway service and rewrites the scheme to wss. The session token
// is excluded from the signature and appended afterwards, which is what the
// gateway expects for query-string authentication.
func (s *V4) PresignWebSocket(ctx context.Context, creds types.SessionCredentials, endpoint, region string, at time.Time) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+endpoint+"/mqtt", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build presign request: %w", err)
	}

	signingCreds := aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretKey,
	}

	signed, _, err := s.signer.PresignHTTP(
		ctx, signingCreds, req, emptyPayloadHash, "iotdevicegateway", region, at,
	)
	if err != nil {
		return "", fmt.Errorf("failed to presign websocket url: %w", err)
	}

	if creds.SessionToken != "" {
		signed += "&X-Amz-Security-Token=" + url.QueryEscape(creds.SessionToken)
	}

	return "wss" + strings.TrimPrefix(signed, "https"), nil
}

// SignRequest signs req in place, including the session token as a header.
func (s *V4) SignRequest(ctx context.Context, creds types.SessionCredentials, req *http.Request, payload []byte, service, region string, at time.Time) error {
	signingCreds := aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretKey,
		SessionToken:    creds.SessionToken,
	}

	sum := sha256.Sum256(payload)
	if err := s.signer.SignHTTP(
		ctx, signingCreds, req, hex.EncodeToString(sum[:]), service, region, at,
	); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}
