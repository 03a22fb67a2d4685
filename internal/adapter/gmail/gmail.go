// Package gmail implements Carapace's network-API channel adapter for
// Gmail. It uses golang.org/x/oauth2 purely to apply an already-acquired
// refresh token to outgoing HTTP calls; the OAuth login/consent flow
// that produces that token is the holder's responsibility and is out of
// scope (spec.md Non-goals).
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

const (
	channelID   = "gmail"
	gmailAPIURL = "https://gmail.googleapis.com/gmail/v1/users/me"
)

// Options configures the gmail adapter with a pre-provisioned refresh
// token; Carapace never runs the consent flow itself.
type Options struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	HTTPTimeout  time.Duration
}

// Adapter drives the Gmail REST API using an oauth2.TokenSource built
// from a stored refresh token.
type Adapter struct {
	*adapter.Base
	opts   Options
	client *http.Client
}

// New builds a gmail Adapter from opts.
func New(opts Options) *Adapter {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	a := &Adapter{Base: adapter.NewBase(channelID), opts: opts}
	if opts.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		}
		src := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: opts.RefreshToken})
		a.client = oauth2.NewClient(context.Background(), src)
		a.client.Timeout = opts.HTTPTimeout
		a.SetRunning(true)
	}
	return a
}

func (a *Adapter) configured() error {
	if a.client == nil {
		return &adapter.SendError{Kind: adapter.SendErrNotConfigured, Err: fmt.Errorf("gmail: no refresh token configured")}
	}
	return nil
}

// HealthCheck performs a lightweight profile fetch to confirm the token
// is valid and the API is reachable.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	if err := a.configured(); err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gmailAPIURL+"/profile", nil)
	if err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return adapter.Health{Healthy: false, Detail: fmt.Sprintf("gmail profile check: status %d", resp.StatusCode)}
	}
	return adapter.Health{Healthy: true}
}

// Send sends an email via the Gmail API's messages.send endpoint,
// params.Recipient is an email address, params.Extra may carry
// "subject" and "thread_id".
func (a *Adapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	if err := a.configured(); err != nil {
		return adapter.SendResult{}, err
	}

	subject := "(no subject)"
	if s, ok := params.Extra["subject"].(string); ok && s != "" {
		subject = s
	}
	raw := buildRFC2822(params.Recipient, subject, params.Message)

	body := map[string]any{"raw": raw}
	if threadID, ok := params.Extra["thread_id"].(string); ok && threadID != "" {
		body["threadId"] = threadID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return adapter.SendResult{}, fmt.Errorf("gmail: marshaling send body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gmailAPIURL+"/messages/send", bytesReader(payload))
	if err != nil {
		return adapter.SendResult{}, fmt.Errorf("gmail: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.SendResult{}, &adapter.SendError{Kind: adapter.SendErrTransient, Err: fmt.Errorf("gmail: sending: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return adapter.SendResult{}, &adapter.SendError{Kind: adapter.SendErrTransient, Err: fmt.Errorf("gmail: server error status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return adapter.SendResult{}, &adapter.SendError{Kind: adapter.SendErrNonRetryable, Err: fmt.Errorf("gmail: status %d", resp.StatusCode)}
	}

	var result struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return adapter.SendResult{}, fmt.Errorf("gmail: decoding send response: %w", err)
	}
	return adapter.SendResult{
		MessageID:        result.ID,
		Timestamp:        nowUnix(),
		ProviderResponse: result,
	}, nil
}

// ListChats returns a page of Gmail threads, Gmail's nearest analogue to
// a chat/conversation.
func (a *Adapter) ListChats(ctx context.Context, limit, offset int) (adapter.Page, error) {
	if err := a.configured(); err != nil {
		return adapter.Page{}, err
	}
	if limit <= 0 {
		limit = 25
	}
	url := fmt.Sprintf("%s/threads?maxResults=%d", gmailAPIURL, limit)
	var data struct {
		Threads []struct {
			ID string `json:"id"`
		} `json:"threads"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := a.getJSON(ctx, url, &data); err != nil {
		return adapter.Page{}, err
	}
	items := make([]any, 0, len(data.Threads))
	for _, t := range data.Threads {
		items = append(items, map[string]any{"chat_id": t.ID})
	}
	return adapter.Page{Items: items, HasMore: data.NextPageToken != ""}, nil
}

// GetHistory returns a page of messages in the Gmail thread chatID.
func (a *Adapter) GetHistory(ctx context.Context, chatID string, limit int, before int64) (adapter.Page, error) {
	if err := a.configured(); err != nil {
		return adapter.Page{}, err
	}
	url := fmt.Sprintf("%s/threads/%s", gmailAPIURL, chatID)
	var data struct {
		Messages []struct {
			ID           string `json:"id"`
			InternalDate string `json:"internalDate"`
			Payload      struct {
				Headers []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"payload"`
		} `json:"messages"`
	}
	if err := a.getJSON(ctx, url, &data); err != nil {
		return adapter.Page{}, err
	}

	items := make([]any, 0, len(data.Messages))
	for _, m := range data.Messages {
		sender := ""
		for _, h := range m.Payload.Headers {
			if h.Name == "From" {
				sender = h.Value
			}
		}
		items = append(items, map[string]any{
			"message_id": m.ID,
			"sender":     sender,
		})
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return adapter.Page{Items: items, HasMore: false}, nil
}

// Watch is not supported: Gmail requires a Pub/Sub push subscription to
// receive near-real-time notifications, which needs holder-side topic
// provisioning outside Carapace's scope. It reports SendErrNotConfigured
// rather than silently returning an empty stream; the channel's
// background watch task stops on that error, so a channel.watch
// subscription on gmail is accepted but never receives events.
func (a *Adapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	return nil, &adapter.SendError{
		Kind: adapter.SendErrNotConfigured,
		Err:  fmt.Errorf("gmail: watch requires a Pub/Sub push subscription, not configured"),
	}
}

func (a *Adapter) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("gmail: building request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &adapter.SendError{Kind: adapter.SendErrTransient, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gmail: status %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
