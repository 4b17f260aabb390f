package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RESTClient is the request/response half of the server API.
type RESTClient interface {
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	SyncMessages(ctx context.Context, conversationID string, fromSequence int64) ([]Message, error)
	GetConversations(ctx context.Context) ([]ConversationSummary, error)
	MarkRead(ctx context.Context, conversationID string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    backoff
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		backoff:    backoff{base: 100 * time.Millisecond, max: 2 * time.Second},
	}
}

type messageList struct {
	Messages []Message `json:"messages"`
}

type conversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type SendRequest struct {
	Kind          MessageKind   `json:"kind"`
	Content       string        `json:"content"`
	CorrelationID CorrelationID `json:"correlationId"`
}

func (c *HTTPClient) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out messageList
	err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, &out)
	if err != nil {
		return nil, err
	}
	return normalizeMessages(out.Messages), nil
}

func (c *HTTPClient) SyncMessages(ctx context.Context, conversationID string, fromSequence int64) ([]Message, error) {
	q := url.Values{}
	q.Set("fromSequence", strconv.FormatInt(fromSequence, 10))
	var out messageList
	err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "messages/sync")+"?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	return normalizeMessages(out.Messages), nil
}

func (c *HTTPClient) GetConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out conversationList
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil)
}

// SendMessage posts a message over REST. The server treats a repeated
// correlation id as the same send.
func (c *HTTPClient) SendMessage(ctx context.Context, conversationID string, kind MessageKind, content string, correlationID CorrelationID) (Message, error) {
	var out Message
	body := SendRequest{Kind: kind, Content: content, CorrelationID: correlationID}
	if err := c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "messages"), body, &out); err != nil {
		return Message{}, err
	}
	return normalizeServerMessage(out), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
	}
	op := method + " " + requestPath
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", requestID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return transient(op, ctx.Err())
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.backoff.delay(attempt+1, "")); waitErr != nil {
					return transient(op, waitErr)
				}
				continue
			}
			return transient(op, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return transient(op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return errors.Wrapf(json.Unmarshal(payloadBytes, out), "decode %s response", op)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.backoff.delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return transient(op, waitErr)
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		if retryable {
			return transient(op, httpErr)
		}
		return httpErr
	}
}

func conversationPath(conversationID, suffix string) string {
	return fmt.Sprintf("/v1/conversations/%s/%s", url.PathEscape(strings.TrimSpace(conversationID)), suffix)
}

func normalizeMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = normalizeServerMessage(m)
	}
	return out
}

func requestID() string {
	return "chat_" + uuid.NewString()
}
