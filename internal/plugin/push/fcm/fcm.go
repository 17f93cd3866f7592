package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/chirino/messenger-service/internal/config"
	registrypush "github.com/chirino/messenger-service/internal/registry/push"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

func init() {
	registrypush.Register(registrypush.Plugin{
		Name:   "fcm",
		Loader: load,
	})
}

func load(ctx context.Context) (registrypush.Notifier, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.FCMProjectID == "" {
		return nil, fmt.Errorf("fcm: FCM project id is required")
	}
	var creds *google.Credentials
	var err error
	if cfg.FCMCredentialsFile != "" {
		raw, readErr := os.ReadFile(cfg.FCMCredentialsFile)
		if readErr != nil {
			return nil, fmt.Errorf("fcm: read credentials: %w", readErr)
		}
		creds, err = google.CredentialsFromJSON(ctx, raw, messagingScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, messagingScope)
	}
	if err != nil {
		return nil, fmt.Errorf("fcm: load credentials: %w", err)
	}
	return New(oauth2.NewClient(ctx, creds.TokenSource), cfg.FCMEndpoint, cfg.FCMProjectID), nil
}

// Notifier sends data-only wake-up messages through the FCM HTTP v1 API.
type Notifier struct {
	client *http.Client
	url    string
}

// New builds a notifier posting to <endpoint>/v1/projects/<projectID>/messages:send.
// The client is expected to attach OAuth2 credentials.
func New(client *http.Client, endpoint, projectID string) *Notifier {
	return &Notifier{
		client: client,
		url:    strings.TrimRight(endpoint, "/") + "/v1/projects/" + projectID + "/messages:send",
	}
}

type sendRequest struct {
	Message message `json:"message"`
}

type message struct {
	Token string            `json:"token"`
	Data  map[string]string `json:"data"`
}

func (n *Notifier) Wake(ctx context.Context, deviceToken string) error {
	if deviceToken == "" {
		return nil
	}
	body, err := json.Marshal(sendRequest{Message: message{
		Token: deviceToken,
		Data:  map[string]string{"type": "wakeup"},
	}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fcm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fcm: send failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
