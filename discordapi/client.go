// Package discordapi adapts the Discord gateway and REST API to the
// ingestion core: Gateway is a chat.Dialer, Client is both a chat.Fetcher
// and a directory.Upstream.
package discordapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/directory"
)

// MaxPageSize is the upstream cap on messages per history request.
const MaxPageSize = 100

// Client is a REST client with a static bot token.
type Client struct {
	session *discordgo.Session
}

// NewClient builds a REST client. httpClient may be nil.
//
// discordgo's own rate-limit sleeping is disabled; 429s surface as
// *chat.RateLimited so the caller decides how to wait.
func NewClient(token string, httpClient *http.Client) (*Client, error) {
	s, err := discordgo.New(botToken(token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	if httpClient != nil {
		s.Client = httpClient
	}
	return &Client{session: s}, nil
}

func botToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
}

// FetchAfter implements chat.Fetcher. Messages come back newest first; the
// pull ingestor orders them.
func (c *Client) FetchAfter(ctx context.Context, channelID, afterID string, limit int) ([]chat.RawMessage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	msgs, err := c.session.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]chat.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, toRawMessage(m))
	}
	return out, nil
}

// FetchServer implements directory.Upstream.
func (c *Client) FetchServer(ctx context.Context, id string) (directory.Entry, error) {
	g, err := c.session.Guild(id, discordgo.WithContext(ctx))
	if err != nil {
		return directory.Entry{}, translateError(err)
	}
	return serverEntry(g), nil
}

// FetchChannel implements directory.Upstream.
func (c *Client) FetchChannel(ctx context.Context, id string) (directory.Entry, error) {
	ch, err := c.session.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return directory.Entry{}, translateError(err)
	}
	return channelEntry(ch), nil
}

// FetchServerChannels implements directory.Upstream.
func (c *Client) FetchServerChannels(ctx context.Context, serverID string) ([]directory.Entry, error) {
	chs, err := c.session.GuildChannels(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]directory.Entry, 0, len(chs))
	for _, ch := range chs {
		if ch != nil {
			out = append(out, channelEntry(ch))
		}
	}
	return out, nil
}

func serverEntry(g *discordgo.Guild) directory.Entry {
	attrs := map[string]string{}
	if g.OwnerID != "" {
		attrs["owner_id"] = g.OwnerID
	}
	if g.Icon != "" {
		attrs["icon"] = g.Icon
	}
	if g.MemberCount > 0 {
		attrs["member_count"] = strconv.Itoa(g.MemberCount)
	}
	if g.Description != "" {
		attrs["description"] = g.Description
	}
	return directory.Entry{Kind: directory.KindServer, ID: g.ID, Name: g.Name, Attributes: attrs}
}

func channelEntry(ch *discordgo.Channel) directory.Entry {
	attrs := map[string]string{
		"type":     strconv.Itoa(int(ch.Type)),
		"position": strconv.Itoa(ch.Position),
	}
	if ch.Topic != "" {
		attrs["topic"] = ch.Topic
	}
	if ch.ParentID != "" {
		attrs["category_id"] = ch.ParentID
	}
	if ch.NSFW {
		attrs["nsfw"] = "true"
	}
	return directory.Entry{Kind: directory.KindChannel, ID: ch.ID, ParentID: ch.GuildID, Name: ch.Name, Attributes: attrs}
}

func toRawMessage(m *discordgo.Message) chat.RawMessage {
	rm := chat.RawMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		ServerID:  m.GuildID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		rm.AuthorID = m.Author.ID
		rm.AuthorName = m.Author.Username
		if m.Author.GlobalName != "" {
			rm.AuthorName = m.Author.GlobalName
		}
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		rm.Attachments = append(rm.Attachments, chat.Attachment{
			ID: a.ID, URL: a.URL, Filename: a.Filename, ContentType: a.ContentType, Size: a.Size,
		})
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		switch {
		case e.URL != "":
			rm.EmbedURLs = append(rm.EmbedURLs, e.URL)
		case e.Video != nil && e.Video.URL != "":
			rm.EmbedURLs = append(rm.EmbedURLs, e.Video.URL)
		case e.Image != nil && e.Image.URL != "":
			rm.EmbedURLs = append(rm.EmbedURLs, e.Image.URL)
		}
	}
	return rm
}

// translateError maps upstream 429s to *chat.RateLimited. Everything else is
// returned as is for chat.ClassifyFetchError.
func translateError(err error) error {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		rl := &chat.RateLimited{Err: err}
		if rle.RateLimit != nil && rle.RateLimit.TooManyRequests != nil {
			rl.Wait = rle.RateLimit.TooManyRequests.RetryAfter
		}
		return rl
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		if rest.Response.StatusCode == http.StatusTooManyRequests {
			// No wait hint; the caller falls back to its base backoff.
			return &chat.RateLimited{Err: err}
		}
		se := &chat.StatusError{Status: rest.Response.StatusCode, Err: err}
		if rest.Message != nil {
			se.Code = rest.Message.Code
		}
		return se
	}
	return err
}
