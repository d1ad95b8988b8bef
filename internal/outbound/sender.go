// Package outbound sends agent and AI replies to external channels. WhatsApp
// channels are sent directly through the Cloud provider API; other channel
// types are handed to their gateway through a channel send event. The
// ordering rule throughout: a message row is never written as sent before
// the provider has acknowledged it.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/switchboard-io/switchboard/internal/config"
	"github.com/switchboard-io/switchboard/internal/models"
)

// Request is one outbound provider send.
type Request struct {
	ChannelID string
	To        string // provider-native recipient identifier
	Type      string // models.Type* content type
	Content   string
	MediaURL  string
}

// Sender delivers one message to a provider and returns the provider's
// message id. Implementations must not write to the database.
type Sender interface {
	Send(ctx context.Context, req Request) (string, error)
}

// Credentials authenticate one channel against the WhatsApp Cloud API.
type Credentials struct {
	AccessToken   string
	PhoneNumberID string
}

// CredentialsProvider resolves per-channel provider credentials. The
// pipeline treats them as opaque.
type CredentialsProvider interface {
	Credentials(channelID string) (Credentials, error)
}

// ConfigCredentials resolves credentials from the loaded YAML config.
type ConfigCredentials struct {
	cfg config.WhatsAppConfig
}

// NewConfigCredentials creates a ConfigCredentials.
func NewConfigCredentials(cfg config.WhatsAppConfig) *ConfigCredentials {
	return &ConfigCredentials{cfg: cfg}
}

func (c *ConfigCredentials) Credentials(channelID string) (Credentials, error) {
	ch, ok := c.cfg.Channels[channelID]
	if !ok {
		return Credentials{}, fmt.Errorf("outbound: no whatsapp credentials for channel %s", channelID)
	}
	return Credentials{AccessToken: ch.AccessToken, PhoneNumberID: ch.PhoneNumberID}, nil
}

// CloudSender sends messages through the WhatsApp Cloud Graph API.
type CloudSender struct {
	baseURL     string
	credentials CredentialsProvider
	client      *http.Client
}

// CloudSenderOpts holds parameters for creating a CloudSender.
type CloudSenderOpts struct {
	BaseURL     string // e.g. https://graph.facebook.com/v21.0
	Credentials CredentialsProvider
	Client      *http.Client // optional
}

// NewCloudSender creates a CloudSender.
func NewCloudSender(opts CloudSenderOpts) (*CloudSender, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("outbound: base url is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("outbound: credentials provider is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &CloudSender{baseURL: opts.BaseURL, credentials: opts.Credentials, client: opts.Client}, nil
}

type cloudTextBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudMediaBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type cloudSendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *cloudTextBody  `json:"text,omitempty"`
	Image            *cloudMediaBody `json:"image,omitempty"`
	Video            *cloudMediaBody `json:"video,omitempty"`
	Audio            *cloudMediaBody `json:"audio,omitempty"`
	Document         *cloudMediaBody `json:"document,omitempty"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts one message to the Graph API and returns messages[0].id.
func (s *CloudSender) Send(ctx context.Context, req Request) (string, error) {
	creds, err := s.credentials.Credentials(req.ChannelID)
	if err != nil {
		return "", err
	}

	body := cloudSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               req.To,
		Type:             req.Type,
	}
	switch req.Type {
	case models.TypeText, "":
		body.Type = models.TypeText
		body.Text = &cloudTextBody{Body: req.Content}
	case models.TypeImage:
		body.Image = &cloudMediaBody{Link: req.MediaURL, Caption: req.Content}
	case models.TypeVideo:
		body.Video = &cloudMediaBody{Link: req.MediaURL, Caption: req.Content}
	case models.TypeAudio:
		body.Audio = &cloudMediaBody{Link: req.MediaURL}
	case models.TypeDocument:
		body.Document = &cloudMediaBody{Link: req.MediaURL, Caption: req.Content}
	default:
		return "", fmt.Errorf("outbound: unsupported content type %q", req.Type)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("outbound: marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, creds.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("outbound: build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("outbound: post to provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("outbound: read provider response: %w", err)
	}

	var parsed cloudSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("outbound: decode provider response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("outbound: provider error %d (%s): %s", parsed.Error.Code, parsed.Error.Type, parsed.Error.Message)
		}
		return "", fmt.Errorf("outbound: provider status %d: %s", resp.StatusCode, raw)
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", fmt.Errorf("outbound: provider returned no message id")
	}
	return parsed.Messages[0].ID, nil
}
