// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Transport talks to the fieldsync server.
type Transport struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewTransport creates a transport. A nil client means http.DefaultClient.
func NewTransport(baseURL string, token func(context.Context) (string, error), client *http.Client) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: client}
}

// StaticToken returns a token func that always answers token.
func StaticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

// FilePart is the file of a multipart upload.
type FilePart struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     []byte
}

// PostJSON sends body to path and decodes the data field of the answer into out.
// It returns the HTTP status of a successful answer.
func (t *Transport) PostJSON(ctx context.Context, path string, body, out any) (int, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return t.do(httpReq, out)
}

// PostMultipart sends fields and file as multipart/form-data.
func (t *Transport) PostMultipart(ctx context.Context, path string, fields map[string]string, file FilePart, out any) (int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return 0, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.FieldName, file.FileName))
	h.Set("Content-Type", file.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return 0, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(file.Content); err != nil {
		return 0, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, &buf)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	return t.do(httpReq, out)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// do sends the request. Transport failures and 5xx answers come back as fielderr Network
// errors; other failures carry the server's error code and details.
func (t *Transport) do(httpReq *http.Request, out any) (int, error) {
	if t.Token != nil {
		token, err := t.Token(httpReq.Context())
		if err != nil {
			return 0, fmt.Errorf("failed to get JWT token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return 0, fielderr.Network(fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fielderr.Network(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp fieldsync.ErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr != nil || errResp.Error == "" {
			errResp.Message = strings.TrimSpace(string(body))
		}
		return resp.StatusCode, fielderr.FromStatus(resp.StatusCode, errResp.Error, errResp.Message, errResp.Details)
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response data: %w", err)
	}
	return resp.StatusCode, nil
}
