package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatClient delivers message text to the external chat service. Every
// request carries the message's dispatch token; the service deduplicates on
// it, so a retry after a lost acknowledgement cannot produce a second visible
// message.
type ChatClient struct {
	url    string
	client *http.Client
}

func NewChatClient(url string) *ChatClient {
	return &ChatClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	PartnershipID string `json:"partnershipId"`
	ChatID        string `json:"chatId"`
	UserID        string `json:"userId"`
	Text          string `json:"text"`
	DispatchToken string `json:"dispatchToken"`
}

type sendResponse struct {
	Message   string `json:"message"`
	ReceiptID string `json:"receiptId"`
}

func (c *ChatClient) Send(ctx context.Context, partnershipID, chatID, userID, text, dispatchToken string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		PartnershipID: partnershipID,
		ChatID:        chatID,
		UserID:        userID,
		Text:          text,
		DispatchToken: dispatchToken,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.ReceiptID == "" {
		return "", fmt.Errorf("missing receiptId in response body=%q", string(body))
	}

	return sr.ReceiptID, nil
}
