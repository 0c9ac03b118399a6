package telegram

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mymmrac/telego"

	"reposter/internal/locales"
	"reposter/internal/models"
	msgs "reposter/pkg/locales"
)

// isAdmin reports whether the bot may post to chat.
func (p *Publisher) isAdmin(ctx context.Context, chat telego.ChatID, botID int64) (bool, error) {
	member, err := p.bot.GetChatMember(ctx, &telego.GetChatMemberParams{ChatID: chat, UserID: botID})
	if err != nil {
		return false, fmt.Errorf("failed to get chat member info: %w", err)
	}
	status := member.MemberStatus()
	return status == telego.MemberStatusCreator || status == telego.MemberStatusAdministrator, nil
}

// HealthCheck verifies the bot token and that the bot administers the
// staging chat and every channel.
func (p *Publisher) HealthCheck(ctx context.Context, channels []string) models.HealthStatus {
	me, err := p.bot.GetMe(ctx)
	if err != nil {
		return models.HealthStatus{
			Status:  models.HealthError,
			Message: locales.Message(msgs.MsgHealthTelegramFailed, map[string]any{"Error": err.Error()}),
		}
	}

	opts, _ := p.snapshot()
	targets := append([]string{opts.StagingChatID}, channels...)
	var problems []string
	for _, channel := range targets {
		chat, err := parseChatID(channel)
		if err == nil {
			var ok bool
			ok, err = p.isAdmin(ctx, chat, me.ID)
			if err == nil && !ok {
				problems = append(problems, locales.Message(msgs.MsgHealthTelegramNotAdmin, map[string]any{"Channel": channel}))
				continue
			}
		}
		if err != nil {
			log.Printf("[Telegram Health Channel:%s] %v", channel, err)
			problems = append(problems, locales.Message(msgs.MsgHealthTelegramNoChannel, map[string]any{"Channel": channel, "Error": err.Error()}))
		}
	}
	if len(problems) > 0 {
		return models.HealthStatus{Status: models.HealthError, Message: strings.Join(problems, "; ")}
	}
	return models.HealthStatus{
		Status:  models.HealthOK,
		Message: locales.Message(msgs.MsgHealthTelegramOK, map[string]any{"Username": me.Username, "Count": len(channels)}),
	}
}
