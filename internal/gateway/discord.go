package gateway

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"
)

type DiscordGateway struct {
	Session    *discordgo.Session
	Supervisor Submitter
}

func NewDiscordGateway(token string, supervisor Submitter) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	gw := &DiscordGateway{
		Session:    session,
		Supervisor: supervisor,
	}
	session.AddHandler(gw.onMessage)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	return gw, nil
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}

	log.Printf("[%s] %s", m.Author.Username, m.Content)

	ctx := context.Background()
	response, err := dg.Supervisor.Submit(ctx, m.ChannelID, NormalizeInput(m.Content))

	var text string
	if err != nil {
		log.Printf("Error handling message: %v", err)
		text = "Something went wrong on my side. Try again in a moment."
	} else {
		text = FormatResponse(response)
	}

	if _, err := s.ChannelMessageSend(m.ChannelID, text); err != nil {
		log.Printf("Error sending discord message: %v", err)
	}
}

func (dg *DiscordGateway) Start() error {
	return dg.Session.Open()
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	_, err := dg.Session.ChannelMessageSend(chatID, text)
	return err
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}
