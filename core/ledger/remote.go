package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultRemoteTimeout = 10 * time.Second
	defaultTokenTTL      = 2 * time.Minute
	maxErrorBodyBytes    = 4 * 1024
)

// RemoteSink forwards one encoded receipt to a collector.
type RemoteSink interface {
	Send(ctx context.Context, body []byte) error
}

type RemoteConfig struct {
	URL string
	// Token is sent as a static bearer token when JWTSecret is empty.
	Token string
	// JWTSecret switches to a short-lived HS256 token minted per request.
	JWTSecret []byte
	JWTIssuer string
	JWTTTL    time.Duration
	Timeout   time.Duration
	Client    *http.Client
}

type HTTPSink struct {
	url       string
	token     string
	jwtSecret []byte
	issuer    string
	ttl       time.Duration
	client    *http.Client
	now       func() time.Time
}

// BodyClaims binds a minted bearer token to the exact receipt body it
// accompanies.
type BodyClaims struct {
	jwt.RegisteredClaims
	BodySHA256 string `json:"body_sha256"`
}

func NewHTTPSink(cfg RemoteConfig) (*HTTPSink, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "ledger_remote_url_missing", "remote ledger url is required", "set ledger.remote.url")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "ledger_remote_url_invalid", "remote ledger url must be http(s)", "")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRemoteTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ttl := cfg.JWTTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := strings.TrimSpace(cfg.JWTIssuer)
	if issuer == "" {
		issuer = "skillgate"
	}
	return &HTTPSink{
		url:       endpoint,
		token:     strings.TrimSpace(cfg.Token),
		jwtSecret: cfg.JWTSecret,
		issuer:    issuer,
		ttl:       ttl,
		client:    client,
		now:       time.Now,
	}, nil
}

// Send POSTs body and treats any non-2xx response as a failure.
func (s *HTTPSink) Send(ctx context.Context, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryConfiguration, coreerrors.CodeRemoteUnreachable, "check ledger.remote.url", false)
	}
	request.Header.Set("Content-Type", "application/json")
	bearer, err := s.bearer(body)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, coreerrors.CodeRemoteRejected, "", false)
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	// #nosec G107 -- collector url comes from explicit local configuration.
	response, err := s.client.Do(request)
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("post receipt: %w", err), coreerrors.CategoryNetworkTransient, coreerrors.CodeRemoteUnreachable, "retry once the collector is reachable", true)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		retryable := response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests
		return coreerrors.Wrap(
			fmt.Errorf("collector returned %d: %s", response.StatusCode, strings.TrimSpace(string(detail))),
			coreerrors.CategoryPersistenceFailure,
			coreerrors.CodeRemoteRejected,
			"receipt is recorded locally only",
			retryable,
		)
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func (s *HTTPSink) bearer(body []byte) (string, error) {
	if len(s.jwtSecret) == 0 {
		return s.token, nil
	}
	now := s.now().UTC()
	sum := sha256.Sum256(body)
	claims := BodyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		BodySHA256: hex.EncodeToString(sum[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign collector token: %w", err)
	}
	return signed, nil
}
