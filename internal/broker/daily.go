// Package broker provisions media rooms and access tokens through a
// Daily-style rooms REST API. The supervisor is its only consumer; every
// failure here surfaces as a provisioning error before a worker is started.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Room is a provisioned media room.
type Room struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Privilege controls what a token holder may do in the room. The agent joins
// as owner, the participant does not.
type Privilege int

const (
	PrivilegeParticipant Privilege = iota
	PrivilegeOwner
)

// Client talks to the rooms API.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
}

// NewClient constructs a rooms API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
	}
}

type roomProperties struct {
	Exp           int64 `json:"exp"`
	EnableChat    bool  `json:"enable_chat"`
	StartVideoOff bool  `json:"start_video_off"`
	StartAudioOff bool  `json:"start_audio_off"`
}

type createRoomRequest struct {
	Properties roomProperties `json:"properties"`
}

type tokenProperties struct {
	RoomName string `json:"room_name"`
	Exp      int64  `json:"exp"`
	IsOwner  bool   `json:"is_owner"`
	UserName string `json:"user_name"`
}

type issueTokenRequest struct {
	Properties tokenProperties `json:"properties"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
}

// CreateRoom creates an audio-only room that expires at the given time.
func (c *Client) CreateRoom(ctx context.Context, expiry time.Time) (Room, error) {
	body := createRoomRequest{Properties: roomProperties{
		Exp:           expiry.Unix(),
		EnableChat:    false,
		StartVideoOff: true,
		StartAudioOff: false,
	}}
	var room Room
	if err := c.post(ctx, "/rooms", body, &room); err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	if room.URL == "" || room.Name == "" {
		return Room{}, fmt.Errorf("create room: response missing name or url")
	}
	return room, nil
}

// IssueToken issues a time-boxed meeting token for the room.
func (c *Client) IssueToken(ctx context.Context, roomName string, expiry time.Time, priv Privilege, displayName string) (string, error) {
	body := issueTokenRequest{Properties: tokenProperties{
		RoomName: roomName,
		Exp:      expiry.Unix(),
		IsOwner:  priv == PrivilegeOwner,
		UserName: displayName,
	}}
	var resp issueTokenResponse
	if err := c.post(ctx, "/meeting-tokens", body, &resp); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("issue token: response missing token")
	}
	return resp.Token, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c.APIKey == "" {
		return fmt.Errorf("rooms api key missing")
	}
	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rooms api error: status=%d body=%s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
