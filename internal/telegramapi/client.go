package telegramapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	DefaultBaseURL     = "https://api.telegram.org"
	DefaultPollTimeout = 30 * time.Second
	DefaultMaxFileSize = 20 * 1024 * 1024
)

// Client is a minimal Telegram Bot API client: long polling, plain-text
// messages, chat actions and file downloads.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func New(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

type RequestError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  time.Duration
	Body        string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	prefix := "telegram"
	if e.Method != "" {
		prefix = "telegram " + e.Method
	}
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = strings.TrimSpace(e.Body)
	}
	switch {
	case e.StatusCode > 0 && desc != "":
		return fmt.Sprintf("%s: http %d: %s", prefix, e.StatusCode, desc)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: http %d", prefix, e.StatusCode)
	case desc != "":
		return prefix + ": " + desc
	default:
		return prefix + ": request failed"
	}
}

// IsNotModified reports an edit that was rejected because the text did not
// change. Callers treat it as success.
func IsNotModified(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return strings.Contains(strings.ToLower(reqErr.Description), "message is not modified")
}

func IsMessageGone(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	desc := strings.ToLower(reqErr.Description)
	return strings.Contains(desc, "message to delete not found") ||
		strings.Contains(desc, "message to edit not found") ||
		strings.Contains(desc, "message can't be deleted")
}

func IsPollTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || decodeErr != nil || !env.OK {
		reqErr := &RequestError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   env.ErrorCode,
			Description: env.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			reqErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return reqErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, method string, query url.Values, out any) error {
	u := c.methodURL(method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, method, out)
}

func (c *Client) post(ctx context.Context, method string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for updates after offset and returns the next offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	q := url.Values{}
	q.Set("timeout", fmt.Sprint(secs))
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	var updates []Update
	if err := c.get(reqCtx, "getUpdates", q, &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// SendMessage posts plain text and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	if strings.TrimSpace(text) == "" {
		text = "(empty)"
	}
	var msg Message
	err := c.post(ctx, "sendMessage", sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
		ReplyToMessageID:      replyTo,
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		text = "(empty)"
	}
	return c.post(ctx, "editMessageText", editMessageTextRequest{
		ChatID:                chatID,
		MessageID:             messageID,
		Text:                  text,
		DisableWebPagePreview: true,
	}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.post(ctx, "deleteMessage", deleteMessageRequest{ChatID: chatID, MessageID: messageID}, nil)
}

func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		action = "typing"
	}
	return c.post(ctx, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: action}, nil)
}

func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, fmt.Errorf("missing file_id")
	}
	q := url.Values{}
	q.Set("file_id", fileID)
	var f File
	if err := c.get(ctx, "getFile", q, &f); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.FilePath) == "" {
		return nil, fmt.Errorf("telegram getFile: missing file_path")
	}
	return &f, nil
}

var ErrFileTooLarge = errors.New("telegram file too large")

// DownloadFileTo streams a file into dstPath with 0600 permissions. It
// fails with ErrFileTooLarge once more than maxBytes arrive.
func (c *Client) DownloadFileTo(ctx context.Context, filePath, dstPath string, maxBytes int64) (int64, error) {
	filePath = strings.TrimSpace(filePath)
	dstPath = strings.TrimSpace(dstPath)
	if filePath == "" {
		return 0, fmt.Errorf("missing file_path")
	}
	if dstPath == "" {
		return 0, fmt.Errorf("missing dst_path")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileSize
	}

	u := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, strings.TrimLeft(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &RequestError{Method: "download", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return n, err
	}
	if n > maxBytes {
		return n, fmt.Errorf("%w (>%d bytes)", ErrFileTooLarge, maxBytes)
	}
	if err := f.Close(); err != nil {
		return n, err
	}
	return n, os.Chmod(dstPath, 0o600)
}
