package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/auth"
)

// DefaultRefreshPath is the refresh-token exchange endpoint.
const DefaultRefreshPath = "/auth/refresh"

// Refresher performs the refresh-token exchange. It carries no bearer token
// and implements auth.Refresher.
type Refresher struct {
	url  string
	http *http.Client
}

// NewRefresher creates a Refresher posting to baseURL+path.
func NewRefresher(baseURL, path string, h *http.Client) *Refresher {
	if path == "" {
		path = DefaultRefreshPath
	}
	if h == nil {
		h = &http.Client{Timeout: DefaultTimeout}
	}
	return &Refresher{url: strings.TrimRight(baseURL, "/") + path, http: h}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Refresh exchanges refreshToken. Any rejection other than a timeout or rate
// limit is reported as apierr.ErrUnauthorized.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (auth.Credentials, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return auth.Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return auth.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return auth.Credentials{}, apierr.Transient("refresh token", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return auth.Credentials{}, apierr.Transient("refresh token", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case apierr.IsTransient(apierr.FromStatus("refresh token", resp.StatusCode, "")):
		return auth.Credentials{}, apierr.FromStatus("refresh token", resp.StatusCode, errorMessage(body))
	default:
		return auth.Credentials{}, apierr.ErrUnauthorized
	}

	var out refreshResponse
	if err := decodeData(body, &out); err != nil {
		return auth.Credentials{}, apierr.Transient("refresh token", fmt.Errorf("decode response: %w", err))
	}
	if out.AccessToken == "" {
		return auth.Credentials{}, apierr.ErrUnauthorized
	}
	return auth.Credentials{Access: out.AccessToken, Refresh: out.RefreshToken}, nil
}
