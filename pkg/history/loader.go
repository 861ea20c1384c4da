// Package history is the REST boundary that pages past messages into the
// session's message store. The session only depends on the Loader
// interface; the REST implementation here targets the Pingo API.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pingo/pkg/auth"
	"pingo/pkg/models"
	"pingo/pkg/wire"
)

// Loader fetches one page of past messages for a chat, ordered oldest
// first. Errors are recoverable: the caller surfaces them as a
// chat-scoped failure and may retry by reactivating the chat.
type Loader interface {
	LoadChannel(ctx context.Context, serverID, channelID string) ([]models.Message, error)
	LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error)
}

// RESTLoader implements Loader against the Pingo REST API using the
// credential provider's authorized request path.
type RESTLoader struct {
	BaseURL     string
	Credentials auth.CredentialProvider
}

// NewRESTLoader builds a loader rooted at apiURL.
func NewRESTLoader(apiURL string, cp auth.CredentialProvider) *RESTLoader {
	return &RESTLoader{BaseURL: strings.TrimRight(apiURL, "/"), Credentials: cp}
}

func (l *RESTLoader) LoadChannel(ctx context.Context, serverID, channelID string) ([]models.Message, error) {
	url := fmt.Sprintf("%s/servers/%s/channels/%s/messages/", l.BaseURL, serverID, channelID)
	return l.fetch(ctx, url, channelID)
}

func (l *RESTLoader) LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	url := fmt.Sprintf("%s/conversations/%s/messages/", l.BaseURL, conversationID)
	return l.fetch(ctx, url, conversationID)
}

func (l *RESTLoader) fetch(ctx context.Context, url, chatID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	status, body, err := l.Credentials.AuthorizedRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("history request failed: status %d", status)
	}
	records, err := decodePage(body)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(records))
	for i := range records {
		out = append(out, records[i].Model(chatID))
	}
	return out, nil
}

// decodePage accepts both a bare JSON array and the enveloped
// {"data": [...]} form the API has used at different times.
func decodePage(body []byte) ([]wire.WireMessage, error) {
	var arr []wire.WireMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var env struct {
		Data []wire.WireMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	return env.Data, nil
}
