// Package telegram delivers change sets to a per-user chat via the Bot API.
// Like push it has no digest path; unlike push its ceiling is 4096
// characters, so the shared splitter runs with wider limits.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"orderwatch/internal/channel"
	"orderwatch/internal/dispatch"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

const (
	messageLimit = 4096
	safetyMargin = 3900
)

type Config struct {
	Token string
	// BatchDelay paces multi-part sends; Telegram throttles bots that burst.
	BatchDelay time.Duration
}

// AddressResolver resolves the user's chat id (decimal string).
type AddressResolver interface {
	Address(explicit string, p prefs.UserPreference, c prefs.Channel) string
}

type Dispatcher struct {
	bot      *tele.Bot
	limiter  *rate.Limiter
	resolver AddressResolver
	log      logx.Logger
}

func New(cfg Config, resolver AddressResolver, log logx.Logger) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 300 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		bot:      b,
		limiter:  rate.NewLimiter(rate.Every(cfg.BatchDelay), 1),
		resolver: resolver,
		log:      log,
	}, nil
}

func (d *Dispatcher) Channel() prefs.Channel { return prefs.ChannelTelegram }

func (d *Dispatcher) Send(ctx context.Context, user prefs.UserPreference, cs schedule.ChangeSet) dispatch.DispatchResult {
	addr := d.resolver.Address("", user, prefs.ChannelTelegram)
	chatID, err := strconv.ParseInt(strings.TrimSpace(addr), 10, 64)
	if addr == "" || err != nil {
		return dispatch.Skipped(prefs.ChannelTelegram, dispatch.ReasonNotConfigured)
	}

	msgs := channel.Split(
		channel.SummaryLine(cs.Summary),
		channel.GroupLines(cs),
		channel.Limits{Ceiling: messageLimit, Margin: safetyMargin},
	)

	if len(msgs) > 1 {
		// Spend any banked token so the first inter-message gap is paced
		// like every other one.
		d.limiter.Allow()
	}

	res := dispatch.DispatchResult{Channel: prefs.ChannelTelegram, Success: true}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	for i, msg := range msgs {
		if i > 0 {
			if err := d.limiter.Wait(ctx); err != nil {
				res.Success = false
				res.Parts = append(res.Parts, dispatch.PartResult{Index: i, Success: false, Error: err.Error()})
				break
			}
		}
		_, err := d.bot.Send(tele.ChatID(chatID), msg, opts)
		part := dispatch.PartResult{Index: i, Success: err == nil}
		if err != nil {
			part.Error = err.Error()
			res.Success = false
			if res.Error == "" {
				res.Error = err.Error()
			}
		}
		res.Parts = append(res.Parts, part)
	}
	if len(res.Parts) == 1 {
		if !res.Success && res.Error == "" {
			res.Error = res.Parts[0].Error
		}
		res.Parts = nil
	}
	return res
}
