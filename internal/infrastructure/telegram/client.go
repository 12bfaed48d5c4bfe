// Package telegram talks to the Telegram Bot API: it resolves file
// identifiers to streaming downloads and sends chat notifications.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/rs/zerolog"
)

const (
	defaultContentType = "video/mp4"
	// Bot API replies are small JSON documents.
	maxReplySize = 1 << 20
)

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// StatusError reports a non-success reply from the Bot API or the file host.
type StatusError struct {
	Op          string
	Code        int
	Description string
}

func (e *StatusError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error { return entity.ErrSourceUnavailable }

// Temporary reports whether retrying the same call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// TransportError reports a request that never got a reply. It keeps the
// underlying cause but not the request URL, which carries the bot token.
type TransportError struct {
	Op  string
	Err error
}

func transportError(op string, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, entity.ErrSourceUnavailable, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{entity.ErrSourceUnavailable, e.Err} }

// Temporary reports whether retrying the same call may succeed.
func (e *TransportError) Temporary() bool {
	return !errors.Is(e.Err, context.Canceled)
}

type Client struct {
	http   *http.Client
	apiURL string
	token  string
	log    zerolog.Logger
}

func NewClient(httpClient *http.Client, apiURL, token string, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:   httpClient,
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		log:    log,
	}
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type file struct {
	FileId   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

// call invokes a Bot API method and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return transportError(method, err)
	}
	defer resp.Body.Close()

	var reply apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplySize)).Decode(&reply); err != nil {
		if resp.StatusCode/100 != 2 {
			return &StatusError{Op: method, Code: resp.StatusCode}
		}
		return fmt.Errorf("%s: decode reply: %w", method, err)
	}
	if resp.StatusCode/100 != 2 || !reply.Ok {
		code := reply.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &StatusError{Op: method, Code: code, Description: reply.Description}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(reply.Result, out)
}

func (c *Client) methodURL(method string) string {
	return c.apiURL + "/bot" + c.token + "/" + method
}

// getFile resolves a file identifier to its path on the file host.
func (c *Client) getFile(ctx context.Context, fileId string) (*file, error) {
	req, err := http.NewRequest(http.MethodGet, c.methodURL("getFile")+"?file_id="+url.QueryEscape(fileId), nil)
	if err != nil {
		return nil, err
	}
	var f file
	if err := c.call(ctx, "getFile", req, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, &StatusError{Op: "getFile", Code: http.StatusNotFound, Description: "no file path in reply"}
	}
	return &f, nil
}

// Open resolves ref and opens a streaming download of its content. The
// caller owns the returned body.
func (c *Client) Open(ctx context.Context, ref entity.SourceRef) (*entity.Download, error) {
	var (
		fileURL  = ref.URL
		filePath string
		size     int64 = -1
	)
	if fileURL == "" {
		f, err := c.getFile(ctx, ref.FileId)
		if err != nil {
			return nil, err
		}
		fileURL = c.apiURL + "/file/bot" + c.token + "/" + f.FilePath
		filePath = f.FilePath
		if f.FileSize > 0 {
			size = f.FileSize
		}
	} else if u, err := url.Parse(fileURL); err == nil {
		filePath = u.Path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, transportError("download request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError("download", err)
	}
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &StatusError{Op: "download", Code: resp.StatusCode}
	}
	if resp.ContentLength >= 0 {
		size = resp.ContentLength
	}
	c.log.Debug().Str("file_path", filePath).Int64("size", size).Msg("source opened")
	return &entity.Download{
		Body:        resp.Body,
		Size:        size,
		Path:        filePath,
		ContentType: contentType(resp.Header.Get("Content-Type"), filePath),
	}, nil
}

// contentType prefers a specific media type from the file host, then the
// file extension.
func contentType(header, filePath string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
		return mt
	}
	ext := strings.ToLower(path.Ext(filePath))
	if mt, ok := videoTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return defaultContentType
}

type sendMessageRequest struct {
	ChatId string `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessage posts a plain text message to the chat.
func (c *Client) SendMessage(ctx context.Context, chatId, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatId: chatId, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.call(ctx, "sendMessage", req, nil)
}
