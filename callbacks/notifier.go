package callbacks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tomyedwab/archhost/types"
)

const (
	DeliveryHeader  = "X-Archhost-Delivery"
	SignatureHeader = "X-Archhost-Signature"

	issuer         = "archhost"
	defaultTimeout = 5 * time.Second
)

var ErrInvalidSignature = errors.New("invalid callback signature")

// Payload is the body posted to a start callback URL.
type Payload struct {
	ServerID int64       `json:"server_id"`
	State    types.State `json:"state"`
}

// DeliveryClaims is the signed token sent alongside a callback. It binds the
// token to the exact body through its SHA-256 digest.
type DeliveryClaims struct {
	jwt.RegisteredClaims
	ServerID   int64  `json:"server_id"`
	State      string `json:"state"`
	BodySHA256 string `json:"body_sha256"`
}

type Config struct {
	Secret  []byte        // Optional, deliveries are unsigned when empty
	Timeout time.Duration // Optional, defaults to 5s
	Client  *http.Client  // Optional
	Logger  *slog.Logger  // Optional, defaults to slog.Default()
}

// Notifier delivers best-effort start notifications.
type Notifier struct {
	secret []byte
	client *http.Client
	logger *slog.Logger
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		secret: cfg.Secret,
		client: cfg.Client,
		logger: cfg.Logger.With("component", "Notifier"),
	}
}

// Notify posts payload to url and returns the delivery id. Any non-2xx
// response is an error.
func (n *Notifier) Notify(ctx context.Context, url string, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	deliveryID := uuid.New().String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return deliveryID, fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)

	if len(n.secret) > 0 {
		token, err := n.sign(deliveryID, payload, body)
		if err != nil {
			return deliveryID, fmt.Errorf("failed to sign callback: %w", err)
		}
		req.Header.Set(SignatureHeader, token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return deliveryID, fmt.Errorf("callback delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return deliveryID, fmt.Errorf("callback delivery failed: status %d", resp.StatusCode)
	}
	return deliveryID, nil
}

// NotifyAsync delivers in the background. Failures are logged and dropped.
func (n *Notifier) NotifyAsync(url string, payload Payload) {
	go func() {
		deliveryID, err := n.Notify(context.Background(), url, payload)
		if err != nil {
			n.logger.Warn("Failed to deliver start callback", "instanceID", payload.ServerID, "delivery", deliveryID, "error", err)
			return
		}
		n.logger.Info("Delivered start callback", "instanceID", payload.ServerID, "delivery", deliveryID, "state", payload.State)
	}()
}

func (n *Notifier) sign(deliveryID string, payload Payload, body []byte) (string, error) {
	now := time.Now()
	claims := DeliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        deliveryID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		ServerID:   payload.ServerID,
		State:      string(payload.State),
		BodySHA256: bodyDigest(body),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(n.secret)
}

// Verify checks a signature header against the received body. It is the
// receiving side of Notify.
func Verify(token string, body []byte, secret []byte) (*DeliveryClaims, error) {
	claims := &DeliveryClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.BodySHA256 != bodyDigest(body) {
		return nil, fmt.Errorf("%w: body digest mismatch", ErrInvalidSignature)
	}
	return claims, nil
}

func bodyDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}
