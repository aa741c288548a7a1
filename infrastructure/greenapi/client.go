package greenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-bridge/pkg/ratelimit"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMediaTimeout = 60 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBaseBackoff  = 500 * time.Millisecond

	qrCacheTTL      = time.Second
	maxResponseSize = 16 << 20
)

// Permitter is the part of the rate limiter the client depends on.
type Permitter interface {
	Wait(ctx context.Context, instanceID, class string) error
	Block(instanceID, class string)
}

// Credentials identify one provider instance.
type Credentials struct {
	InstanceID string
	APIURL     string
	MediaURL   string
	Token      string
}

// Fingerprint changes whenever a field that requires a new client changes.
func (c Credentials) Fingerprint() string {
	return strings.Join([]string{
		strings.TrimRight(c.APIURL, "/"),
		strings.TrimRight(c.MediaURL, "/"),
		c.Token,
	}, "|")
}

// Request describes a single gateway API call.
type Request struct {
	Class  string
	Method string
	Query  url.Values
	Body   any
	Media  bool

	// multipart payload, rebuilt on every attempt
	form        []byte
	contentType string
}

// Client talks to one provider instance. Every attempt waits for a permit on
// the (instance, class) bucket.
type Client struct {
	creds       Credentials
	httpClient  *http.Client
	limiter     Permitter
	maxAttempts int
	baseBackoff time.Duration
	onSuccess   func(at time.Time)

	qrMu    sync.Mutex
	qrCache *QRResult
	qrAt    time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetry configures the attempt count and the first backoff delay.
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if base >= 0 {
			c.baseBackoff = base
		}
	}
}

// WithOnSuccess registers a hook invoked after every successful call.
func WithOnSuccess(fn func(at time.Time)) Option {
	return func(c *Client) {
		c.onSuccess = fn
	}
}

func NewClient(creds Credentials, limiter Permitter, opts ...Option) (*Client, error) {
	if creds.InstanceID == "" || creds.Token == "" {
		return nil, ErrEmptyCredentials
	}
	if creds.MediaURL == "" {
		creds.MediaURL = creds.APIURL
	}
	c := &Client{
		creds:       creds,
		httpClient:  &http.Client{},
		limiter:     limiter,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) InstanceID() string { return c.creds.InstanceID }

func (c *Client) Credentials() Credentials { return c.creds }

func (c *Client) endpoint(req Request) string {
	root := c.creds.APIURL
	if req.Media {
		root = c.creds.MediaURL
	}
	u := fmt.Sprintf("%s/waInstance%s/%s/%s", strings.TrimRight(root, "/"), c.creds.InstanceID, req.Class, c.creds.Token)
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	return u
}

// Call performs req with retries and decodes the JSON answer into out.
// Transient failures are retried with exponential backoff; 4xx answers are
// returned immediately.
func (c *Client) Call(ctx context.Context, req Request, out any) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.creds.InstanceID, req.Class); err != nil {
				return err
			}
		}

		err := c.do(ctx, req, out)
		if err == nil {
			if c.onSuccess != nil {
				c.onSuccess(time.Now().UTC())
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrRateLimited) && c.limiter != nil {
			c.limiter.Block(c.creds.InstanceID, req.Class)
		}
		if !IsTransient(err) || attempt == c.maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		logrus.WithFields(logrus.Fields{
			"instance_id": c.creds.InstanceID,
			"method":      req.Class,
			"attempt":     attempt,
			"delay":       delay.String(),
		}).WithError(err).Warn("[GREENAPI] Transient failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	if c.baseBackoff <= 0 {
		return 0
	}
	d := c.baseBackoff << (attempt - 1)
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d + jitter
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	timeout := DefaultTimeout
	if req.Media {
		timeout = DefaultMediaTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	contentType := ""
	switch {
	case req.form != nil:
		bodyReader = bytes.NewReader(req.form)
		contentType = req.contentType
	case req.Body != nil:
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("greenapi %s: encode body: %w", req.Class, err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.endpoint(req), bodyReader)
	if err != nil {
		return fmt.Errorf("greenapi %s: build request: %w", req.Class, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return &TransientError{Method: req.Class, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &TransientError{Method: req.Class, Status: resp.StatusCode, Err: err}
	}

	if err := classifyStatus(req.Class, resp.StatusCode, strings.TrimSpace(string(data))); err != nil {
		return err
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("greenapi %s: decode response: %w", req.Class, err)
		}
	}
	return nil
}

// GetState returns the raw provider state (authorized, notAuthorized, ...).
func (c *Client) GetState(ctx context.Context) (string, error) {
	var resp stateResponse
	if err := c.Call(ctx, Request{Class: ratelimit.ClassGetState}, &resp); err != nil {
		return "", err
	}
	if resp.StateInstance == "" {
		return StateUnknown, nil
	}
	return resp.StateInstance, nil
}

func (c *Client) GetSettings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.Call(ctx, Request{Class: ratelimit.ClassGetSettings}, &resp)
	return resp, err
}

func (c *Client) SetSettings(ctx context.Context, s Settings) (bool, error) {
	var resp saveSettingsResponse
	if err := c.Call(ctx, Request{Class: ratelimit.ClassSetSettings, Method: http.MethodPost, Body: s}, &resp); err != nil {
		return false, err
	}
	return resp.SaveSettings, nil
}

// GetQR fetches a login QR. Results are cached for one second and concurrent
// callers share a single upstream request.
func (c *Client) GetQR(ctx context.Context) (QRResult, error) {
	c.qrMu.Lock()
	defer c.qrMu.Unlock()

	if c.qrCache != nil && time.Since(c.qrAt) < qrCacheTTL {
		return *c.qrCache, nil
	}

	var raw qrResponse
	if err := c.Call(ctx, Request{Class: ratelimit.ClassQR}, &raw); err != nil {
		return QRResult{Status: QRStatusError, Message: err.Error()}, err
	}

	var result QRResult
	switch raw.Type {
	case "qrCode":
		result = QRResult{Status: QRStatusCode, Image: "data:image/png;base64," + raw.Message}
	case "alreadyLogged":
		result = QRResult{Status: QRStatusAlreadyLogged}
	case "timeout":
		result = QRResult{Status: QRStatusTimeout}
	default:
		msg := raw.Message
		if msg == "" {
			msg = "unknown"
		}
		result = QRResult{Status: QRStatusError, Message: msg}
	}

	c.qrCache = &result
	c.qrAt = time.Now()
	return result, nil
}

func (c *Client) Logout(ctx context.Context) (bool, error) {
	var resp logoutResponse
	if err := c.Call(ctx, Request{Class: ratelimit.ClassLogout}, &resp); err != nil {
		return false, err
	}
	c.qrMu.Lock()
	c.qrCache = nil
	c.qrMu.Unlock()
	return resp.IsLogout, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID, text, quotedID string) (SendResult, error) {
	var resp SendResult
	err := c.Call(ctx, Request{
		Class:  ratelimit.ClassSendMessage,
		Method: http.MethodPost,
		Body:   sendMessageRequest{ChatID: chatID, Message: text, QuotedMessageID: quotedID},
	}, &resp)
	return resp, err
}

func (c *Client) SendFileByUpload(ctx context.Context, file FileUpload) (SendResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chatId", file.ChatID)
	_ = w.WriteField("fileName", file.FileName)
	_ = w.WriteField("caption", file.Caption)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%s`, strconv.Quote(file.FileName)))
	mime := file.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	header.Set("Content-Type", mime)
	part, err := w.CreatePart(header)
	if err != nil {
		return SendResult{}, fmt.Errorf("greenapi sendFileByUpload: %w", err)
	}
	if _, err := part.Write(file.Content); err != nil {
		return SendResult{}, fmt.Errorf("greenapi sendFileByUpload: %w", err)
	}
	if err := w.Close(); err != nil {
		return SendResult{}, fmt.Errorf("greenapi sendFileByUpload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"instance_id": c.creds.InstanceID,
		"chat_id":     file.ChatID,
		"size":        humanize.Bytes(uint64(len(file.Content))),
	}).Debug("[GREENAPI] Uploading file")

	var resp SendResult
	err = c.Call(ctx, Request{
		Class:       ratelimit.ClassSendFileByUpload,
		Method:      http.MethodPost,
		Media:       true,
		form:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	}, &resp)
	return resp, err
}

// DownloadFile resolves a download URL for a media message.
func (c *Client) DownloadFile(ctx context.Context, chatID, messageID string) (string, error) {
	var resp downloadFileResponse
	err := c.Call(ctx, Request{
		Class:  ratelimit.ClassDownloadFile,
		Method: http.MethodPost,
		Body:   downloadFileRequest{ChatID: chatID, IDMessage: messageID},
	}, &resp)
	return resp.DownloadURL, err
}

func (c *Client) LastIncoming(ctx context.Context, minutes int) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.Call(ctx, Request{
		Class: ratelimit.ClassLastIncoming,
		Query: url.Values{"minutes": []string{strconv.Itoa(minutes)}},
	}, &resp)
	return resp, err
}

func (c *Client) LastOutgoing(ctx context.Context, minutes int) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.Call(ctx, Request{
		Class: ratelimit.ClassLastOutgoing,
		Query: url.Values{"minutes": []string{strconv.Itoa(minutes)}},
	}, &resp)
	return resp, err
}

func (c *Client) GetChatHistory(ctx context.Context, chatID string, count int) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.Call(ctx, Request{
		Class:  ratelimit.ClassGetChatHistory,
		Method: http.MethodPost,
		Body:   chatHistoryRequest{ChatID: chatID, Count: count},
	}, &resp)
	return resp, err
}
