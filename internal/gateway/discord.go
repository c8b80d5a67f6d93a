package gateway

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"
)

type DiscordGateway struct {
	Session *discordgo.Session
	Handler *Handler
}

func NewDiscordGateway(token string, handler *Handler) (*DiscordGateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return &DiscordGateway{
		Session: s,
		Handler: handler,
	}, nil
}

func (dg *DiscordGateway) Start(ctx context.Context) error {
	dg.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.Bot || m.Author.ID == s.State.User.ID {
			return
		}

		log.Printf("[%s] %s", m.Author.Username, m.Content)

		go func(channelID, ownerID, text string) {
			reply := dg.Handler.HandleMessage(ctx, dg, channelID, ownerID, text)
			if err := dg.Send(channelID, reply); err != nil {
				log.Printf("Error sending reply to channel %s: %v", channelID, err)
			}
		}(m.ChannelID, m.Author.ID, m.Content)
	})

	if err := dg.Session.Open(); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	_, err := dg.Session.ChannelMessageSend(chatID, text)
	return err
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}
