package discordapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/directory"
	"github.com/onnwee/chatnotes/testutil"
)

func newTestClient(t *testing.T) (*Client, *testutil.MockDiscordServer) {
	t.Helper()
	mock := testutil.NewMockDiscordServer(t)
	c, err := NewClient("secret", mock.HTTPClient())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, mock
}

func TestBotToken(t *testing.T) {
	cases := map[string]string{
		"abc":     "Bot abc",
		" abc ":   "Bot abc",
		"Bot abc": "Bot abc",
		"":        "",
	}
	for in, want := range cases {
		if got := botToken(in); got != want {
			t.Errorf("botToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFetchAfter(t *testing.T) {
	c, mock := newTestClient(t)
	var gotAfter, gotLimit, gotAuth string
	mock.Handle("/channels/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		gotAfter = r.URL.Query().Get("after")
		gotLimit = r.URL.Query().Get("limit")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"12","channel_id":"c1","guild_id":"g1","content":"see https://example.com/x","timestamp":"2024-05-01T10:00:02Z","author":{"id":"u1","username":"ann","global_name":"Ann"},"attachments":[],"embeds":[]},
			{"id":"11","channel_id":"c1","guild_id":"g1","content":"","timestamp":"2024-05-01T10:00:01Z","author":{"id":"u2","username":"bob"},"attachments":[{"id":"a1","url":"https://cdn.example/a.png","filename":"a.png","content_type":"image/png","size":10}],"embeds":[]}
		]`))
	})

	msgs, err := c.FetchAfter(context.Background(), "c1", "10", 500)
	if err != nil {
		t.Fatalf("FetchAfter: %v", err)
	}
	if n := mock.Calls("/channels/c1/messages"); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	if gotAfter != "10" || gotLimit != "100" {
		t.Errorf("after=%q limit=%q", gotAfter, gotLimit)
	}
	if gotAuth != "Bot secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].ID != "12" || msgs[0].AuthorName != "Ann" || msgs[0].ServerID != "g1" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if len(msgs[1].Attachments) != 1 || msgs[1].Attachments[0].Filename != "a.png" {
		t.Errorf("attachments not mapped: %+v", msgs[1].Attachments)
	}
	if msgs[1].AuthorName != "bob" {
		t.Errorf("author fallback = %q", msgs[1].AuthorName)
	}
}

func TestFetchAfterRateLimited(t *testing.T) {
	c, mock := newTestClient(t)
	mock.MockRateLimited("/channels/c1/messages", 1.5)

	_, err := c.FetchAfter(context.Background(), "c1", "", 50)
	var rl *chat.RateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected *chat.RateLimited, got %T %v", err, err)
	}
	if !errors.Is(err, chat.ErrFetch) {
		t.Error("rate limit should match ErrFetch")
	}
	if got := chat.ClassifyFetchError(err); got != chat.ErrorClassRateLimited {
		t.Errorf("class = %v", got)
	}
}

func TestFetchAfterForbiddenIsFatal(t *testing.T) {
	c, mock := newTestClient(t)
	mock.MockStatus("/channels/c1/messages", http.StatusForbidden, "Missing Access", 50001)

	_, err := c.FetchAfter(context.Background(), "c1", "", 50)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := chat.ClassifyFetchError(err); got != chat.ErrorClassFatal {
		t.Errorf("class = %v, want fatal (%v)", got, err)
	}
	var se *chat.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusForbidden || se.Code != 50001 {
		t.Errorf("err = %#v, want StatusError 403/50001", err)
	}
}

func TestFetchAfterServerErrorIsRetryable(t *testing.T) {
	c, mock := newTestClient(t)
	// A snowflake containing 404 must not make a 5xx look fatal.
	mock.MockStatus("/channels/1140404123456789012/messages", http.StatusInternalServerError, "Internal Server Error", 0)

	_, err := c.FetchAfter(context.Background(), "1140404123456789012", "", 50)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := chat.ClassifyFetchError(err); got != chat.ErrorClassRetryable {
		t.Errorf("class = %v, want retryable (%v)", got, err)
	}
	var se *chat.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError {
		t.Errorf("err = %#v, want StatusError 500", err)
	}
}

func TestDirectoryUpstream(t *testing.T) {
	c, mock := newTestClient(t)
	mock.MockGuild("g1", "Guild One", []map[string]any{
		{"id": "c1", "guild_id": "g1", "name": "general", "type": 0, "position": 1, "topic": "hi"},
		{"id": "c2", "guild_id": "g1", "name": "links", "type": 0, "position": 2, "parent_id": "cat"},
	})
	ctx := context.Background()

	srv, err := c.FetchServer(ctx, "g1")
	if err != nil {
		t.Fatalf("FetchServer: %v", err)
	}
	if srv.Kind != directory.KindServer || srv.Name != "Guild One" {
		t.Errorf("server entry = %+v", srv)
	}

	ch, err := c.FetchChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("FetchChannel: %v", err)
	}
	if ch.Kind != directory.KindChannel || ch.ParentID != "g1" || ch.Attributes["topic"] != "hi" {
		t.Errorf("channel entry = %+v", ch)
	}

	list, err := c.FetchServerChannels(ctx, "g1")
	if err != nil {
		t.Fatalf("FetchServerChannels: %v", err)
	}
	if len(list) != 2 || list[1].Attributes["category_id"] != "cat" {
		t.Errorf("channels = %+v", list)
	}

	if _, err := c.FetchChannel(ctx, "missing"); err == nil || chat.ClassifyFetchError(err) != chat.ErrorClassFatal {
		t.Errorf("unknown channel should be fatal, got %v", err)
	}
}

func TestToRawMessageEmbeds(t *testing.T) {
	m := &discordgo.Message{
		ID: "1", ChannelID: "c",
		Embeds: []*discordgo.MessageEmbed{
			{URL: "https://a.example"},
			{Video: &discordgo.MessageEmbedVideo{URL: "https://v.example"}},
			{Image: &discordgo.MessageEmbedImage{URL: "https://i.example"}},
			{Title: "no link"},
			nil,
		},
	}
	rm := toRawMessage(m)
	want := []string{"https://a.example", "https://v.example", "https://i.example"}
	if len(rm.EmbedURLs) != len(want) {
		t.Fatalf("embed urls = %v", rm.EmbedURLs)
	}
	for i := range want {
		if rm.EmbedURLs[i] != want[i] {
			t.Errorf("embed[%d] = %q, want %q", i, rm.EmbedURLs[i], want[i])
		}
	}
	if !chat.HasAttachmentsOrLinks(rm) {
		t.Error("embed links should pass the default filter")
	}
}

func TestTranslateErrorPassthrough(t *testing.T) {
	base := errors.New("boom")
	if got := translateError(base); got != base {
		t.Errorf("translateError changed a plain error: %v", got)
	}
}

func TestStreamShutdown(t *testing.T) {
	s := newStream(nil, 1, nil)
	s.publish(chat.Connected{})
	s.shutdown()
	s.shutdown()
	s.publish(chat.Connected{}) // must not panic or block

	n := 0
	for range s.Events() {
		n++
	}
	if n != 1 {
		t.Errorf("drained %d events, want 1", n)
	}
}
