package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultUploadTimeout  = 2 * time.Minute
	maxResponseBodySize   = 8 << 20
)

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration

	// Client overrides the fasthttp client (tests).
	Client *fasthttp.Client
}

// RESTClient implements API and Uploader over fasthttp.
type RESTClient struct {
	base           *url.URL
	token          string
	requestTimeout time.Duration
	uploadTimeout  time.Duration
	client         *fasthttp.Client
	logger         zerolog.Logger
}

var (
	_ API      = (*RESTClient)(nil)
	_ Uploader = (*RESTClient)(nil)
)

// NewRESTClient validates cfg and builds a client.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &fasthttp.Client{
			Name:                "chatsync",
			MaxResponseBodySize: maxResponseBodySize,
			MaxIdleConnDuration: 30 * time.Second,
		}
	}

	return &RESTClient{
		base:           base,
		token:          strings.TrimSpace(cfg.Token),
		requestTimeout: requestTimeout,
		uploadTimeout:  uploadTimeout,
		client:         client,
		logger:         logging.Component("rest"),
	}, nil
}

// FetchConversations lists the conversations of identityID.
func (c *RESTClient) FetchConversations(ctx context.Context, identityID string) ([]models.Conversation, error) {
	query := url.Values{"identityId": {identityID}}
	body, err := c.do(ctx, fasthttp.MethodGet, "/conversations", query, nil, "", c.requestTimeout)
	if err != nil {
		return nil, err
	}
	convs, err := models.ParseConversations(unwrapData(body))
	if err != nil {
		if !models.IsValidationError(err) {
			return nil, fmt.Errorf("decode conversations: %w", err)
		}
		c.logger.Warn().Err(err).Int("kept", len(convs)).Msg("dropped invalid conversations")
	}
	return convs, nil
}

// FetchMessages returns the history of conversationID as seen by identityID.
func (c *RESTClient) FetchMessages(ctx context.Context, conversationID, identityID string) ([]models.Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	query := url.Values{"identityId": {identityID}}
	body, err := c.do(ctx, fasthttp.MethodGet, path, query, nil, "", c.requestTimeout)
	if err != nil {
		return nil, err
	}
	msgs, err := models.ParseMessages(unwrapData(body))
	if err != nil {
		if !models.IsValidationError(err) {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Int("kept", len(msgs)).Msg("dropped invalid messages")
	}
	return msgs, nil
}

// SendMessage posts a message and returns the durable copy.
func (c *RESTClient) SendMessage(ctx context.Context, req SendRequest) (models.Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message: %w", err)
	}
	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	body, err := c.do(ctx, fasthttp.MethodPost, path, nil, payload, "application/json", c.requestTimeout)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := models.ParseMessage(unwrapData(body))
	if err != nil {
		// The server accepted the send but the reply is unusable; the echo
		// over the channel can still reconcile the entry.
		return models.Message{}, fmt.Errorf("decode sent message: %w: %w", models.ErrUnknownOutcome, err)
	}
	if msg.ClientID == "" {
		msg.ClientID = req.ClientID
	}
	return msg, nil
}

// AccessConversation finds or creates the conversation between two identities.
func (c *RESTClient) AccessConversation(ctx context.Context, req AccessRequest) (models.Conversation, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("encode access request: %w", err)
	}
	body, err := c.do(ctx, fasthttp.MethodPost, "/conversations/access", nil, payload, "application/json", c.requestTimeout)
	if err != nil {
		return models.Conversation{}, err
	}
	conv, err := models.ParseConversation(unwrapData(body))
	if err != nil {
		return models.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}

// MarkSeen acknowledges that identityID has seen conversationID.
func (c *RESTClient) MarkSeen(ctx context.Context, conversationID, identityID string) error {
	payload, err := json.Marshal(map[string]string{"identityId": identityID})
	if err != nil {
		return err
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/seen"
	_, err = c.do(ctx, fasthttp.MethodPost, path, nil, payload, "application/json", c.requestTimeout)
	return err
}

// Upload stores one attachment as a multipart "file" part.
func (c *RESTClient) Upload(ctx context.Context, file Upload) (models.Media, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, uploadName(file.Name)))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return models.Media{}, fmt.Errorf("%w: %w", models.ErrUploadFailure, err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return models.Media{}, fmt.Errorf("%w: %w", models.ErrUploadFailure, err)
	}
	if err := writer.Close(); err != nil {
		return models.Media{}, fmt.Errorf("%w: %w", models.ErrUploadFailure, err)
	}

	body, err := c.do(ctx, fasthttp.MethodPost, "/uploads", nil, buf.Bytes(), writer.FormDataContentType(), c.uploadTimeout)
	if err != nil {
		return models.Media{}, fmt.Errorf("%w: %w", models.ErrUploadFailure, err)
	}

	var out struct {
		URL  string `json:"url"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(unwrapData(body), &out); err != nil {
		return models.Media{}, fmt.Errorf("%w: decode upload: %w", models.ErrUploadFailure, err)
	}
	if strings.TrimSpace(out.URL) == "" {
		return models.Media{}, fmt.Errorf("%w: upload response has no url", models.ErrUploadFailure)
	}
	kindRaw := out.Kind
	if kindRaw == "" {
		kindRaw = contentType
	}
	kind, err := models.ParseMediaKind(kindRaw)
	if err != nil {
		return models.Media{}, fmt.Errorf("%w: %w", models.ErrUploadFailure, err)
	}
	return models.Media{URL: out.URL, Kind: kind}, nil
}

func uploadName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment"
	}
	return name
}

func (c *RESTClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do runs one request. The deadline is the earlier of ctx's deadline and
// now+timeout since fasthttp does not observe contexts.
func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, models.ErrTransientNetwork, err)
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.endpoint(path, query))
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}

	start := time.Now()
	err := c.client.DoDeadline(req, resp, deadline)
	event := c.logger.Debug().Str("method", method).Str("path", path).Dur("elapsed", time.Since(start))
	if event.Enabled() {
		event.Interface("headers", logging.RedactHeaders(requestHeaders(req)))
	}
	if err != nil {
		event.Err(err).Msg("request failed")
		return nil, classify(method, path, err)
	}

	code := resp.StatusCode()
	event.Int("status", code).Msg("request done")
	if code < 200 || code >= 300 {
		return nil, newStatusError(method, path, code, resp.Body())
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}

func requestHeaders(req *fasthttp.Request) map[string]string {
	out := make(map[string]string)
	req.Header.VisitAll(func(key, value []byte) {
		out[string(key)] = string(value)
	})
	return out
}

// unwrapData accepts both bare payloads and {"data": payload} envelopes.
func unwrapData(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return trimmed
	}
	data, ok := env["data"]
	if !ok {
		return trimmed
	}
	_, hasID := env["id"]
	_, hasMongoID := env["_id"]
	if hasID || hasMongoID {
		return trimmed
	}
	return data
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == code
}
