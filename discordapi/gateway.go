package discordapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatnotes/chat"
)

// DefaultIntents covers guild metadata, guild messages and their content.
const DefaultIntents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

var errGatewayClosed = errors.New("discord gateway closed")

// Gateway implements chat.Dialer on top of a discordgo websocket session.
// Sessions never reconnect on their own.
type Gateway struct {
	Intents discordgo.Intent
	Buffer  int
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Dial opens a gateway session and returns once the handshake has completed
// or ctx is done.
func (g *Gateway) Dial(ctx context.Context, credential string) (chat.Stream, error) {
	s, err := discordgo.New(botToken(credential))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	intents := g.Intents
	if intents == 0 {
		intents = DefaultIntents
	}
	s.Identify.Intents = intents
	s.ShouldReconnectOnError = false
	s.StateEnabled = false

	clock := g.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := newStream(s, g.Buffer, logger.With(slog.String("component", "discord_gateway")))

	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message != nil {
			st.publish(toRawMessage(m.Message))
		}
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		st.publish(chat.Connected{At: clock.Now()})
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		st.publish(chat.Connected{At: clock.Now()})
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		st.publish(chat.Disconnected{At: clock.Now(), Err: errGatewayClosed})
	})

	opened := make(chan error, 1)
	go func() { opened <- s.Open() }()
	select {
	case err := <-opened:
		if err != nil {
			st.shutdown()
			return nil, fmt.Errorf("discord gateway open: %w", err)
		}
		return st, nil
	case <-ctx.Done():
		st.shutdown()
		go func() {
			if err := <-opened; err == nil {
				_ = s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type stream struct {
	session *discordgo.Session
	logger  *slog.Logger
	events  chan chat.RawEvent
	done    chan struct{}

	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func newStream(s *discordgo.Session, buffer int, logger *slog.Logger) *stream {
	if buffer <= 0 {
		buffer = 256
	}
	return &stream{
		session: s,
		logger:  logger,
		events:  make(chan chat.RawEvent, buffer),
		done:    make(chan struct{}),
	}
}

func (s *stream) Events() <-chan chat.RawEvent { return s.events }

// publish blocks while the buffer is full; closing the stream releases it.
func (s *stream) publish(ev chat.RawEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *stream) Close() error {
	s.shutdown()
	if err := s.session.Close(); err != nil {
		s.logger.Debug("gateway close", slog.Any("err", err))
		return err
	}
	return nil
}

func (s *stream) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}
