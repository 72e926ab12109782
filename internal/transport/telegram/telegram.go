package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/transport"
	logx "chatbridge/pkg/logx"
)

const defaultAPIURL = "https://api.telegram.org"

type Config struct {
	Token           string
	APIURL          string
	PollTimeout     time.Duration
	MaxPollFailures int
	Chats           []int64 // always listed as destinations
}

// Dialer opens Telegram Bot API sessions.
type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) (*Dialer, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = defaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 25 * time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log}, nil
}

// Dial returns immediately. The getMe handshake runs in the background and
// reports EventOpened or EventClosed through sink.
func (d *Dialer) Dial(ctx context.Context, m transport.Material, sink transport.Sink) (transport.Transport, error) {
	dir, err := loadDirectory(m.Dir)
	if err != nil {
		return nil, fmt.Errorf("load chat directory: %w", err)
	}
	client := &http.Client{Timeout: d.cfg.PollTimeout + 10*time.Second}
	bot, err := tele.NewBot(tele.Settings{
		Token:   d.cfg.Token,
		URL:     d.cfg.APIURL,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:  d.cfg,
		log:  d.log,
		bot:  bot,
		sink: sink,
		dir:  dir,
	}
	t.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(d.log.With(logx.String("sup", "telegram.transport"))),
		rtsup.WithCancelOnError(false),
	)
	t.sup.Go0("telegram.session", t.run)
	return t, nil
}

// Transport is one Bot API session.
type Transport struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	sink transport.Sink
	dir  *directory
	sup  *rtsup.Supervisor

	finishOnce sync.Once
	chatMu     sync.Mutex
}

// raw calls a Bot API method through telebot and decodes its result into
// out. Failed replies always come back as a *tele.Error carrying the API
// error code. telebot's Raw takes no context, so a long poll in flight runs
// until the server answers or the client timeout hits.
func (t *Transport) raw(ctx context.Context, method string, params map[string]any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := t.bot.Raw(method, params)
	var reply struct {
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if len(data) > 0 {
		if derr := json.Unmarshal(data, &reply); derr != nil && err == nil {
			return fmt.Errorf("telegram %s: %w", method, derr)
		}
	}
	if err != nil {
		var te *tele.Error
		if !errors.As(err, &te) && reply.ErrorCode != 0 {
			err = tele.NewError(reply.ErrorCode, reply.Description)
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	return json.Unmarshal(reply.Result, out)
}

func (t *Transport) run(ctx context.Context) {
	var me tele.User
	if err := t.raw(ctx, "getMe", map[string]any{}, &me); err != nil {
		if ctx.Err() != nil {
			return
		}
		t.finish(reasonFor(err))
		return
	}
	t.bot.Me = &me
	t.sink(transport.Event{
		Kind: transport.EventOpened,
		Identity: transport.Identity{
			DisplayName: strings.TrimSpace(me.FirstName + " " + me.LastName),
			AddressID:   strconv.FormatInt(me.ID, 10) + ":" + me.Username + "@telegram",
		},
	})
	t.poll(ctx)
}

func (t *Transport) poll(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		var updates []tele.Update
		err := t.raw(ctx, "getUpdates", map[string]any{
			"offset":  t.dir.offset(),
			"timeout": int(t.cfg.PollTimeout / time.Second),
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if unauthorized(err) {
				t.finish(reasonFor(err))
				return
			}
			failures++
			t.log.Warn("getUpdates failed", logx.Int("failures", failures), logx.Err(err))
			if failures >= t.cfg.MaxPollFailures {
				t.finish(reasonFor(err))
				return
			}
			if !sleepCtx(ctx, time.Duration(failures)*time.Second) {
				return
			}
			continue
		}
		failures = 0

		for i := range updates {
			t.handle(&updates[i])
			t.dir.advance(updates[i].ID + 1)
		}
		if len(updates) > 0 {
			if err := t.dir.flush(); err != nil {
				t.log.Warn("persist chat directory failed", logx.Err(err))
			}
		}
	}
}

func (t *Transport) handle(u *tele.Update) {
	if u.MyChatMember != nil {
		t.dir.learn(u.MyChatMember.Chat)
	}
	m := u.Message
	if m == nil {
		m = u.ChannelPost
	}
	if m == nil {
		return
	}
	t.dir.learn(m.Chat)
	if m.Text == "" {
		return
	}
	in := &transport.Inbound{Text: m.Text}
	if m.Chat != nil {
		in.Chat = chatName(m.Chat)
	}
	if m.Sender != nil {
		in.From = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		if in.From == "" {
			in.From = "@" + m.Sender.Username
		}
	}
	t.sink(transport.Event{Kind: transport.EventInbound, Inbound: in})
}

// finish emits the single EventClosed of this session and stops background work.
func (t *Transport) finish(reason transport.CloseReason) {
	t.finishOnce.Do(func() {
		t.sup.Cancel()
		if err := t.dir.flush(); err != nil {
			t.log.Warn("persist chat directory failed", logx.Err(err))
		}
		t.sink(transport.Event{Kind: transport.EventClosed, Reason: reason})
	})
}

func unauthorized(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	var te *tele.Error
	return errors.As(err, &te) && te.Code == transport.StatusUnauthorized
}

func reasonFor(err error) transport.CloseReason {
	var te *tele.Error
	if errors.As(err, &te) {
		return transport.CloseReason{
			Code:      te.Code,
			Message:   te.Description,
			LoggedOut: unauthorized(err),
		}
	}
	return transport.CloseReason{Message: err.Error()}
}

func (t *Transport) Destinations(ctx context.Context) ([]transport.Destination, error) {
	t.chatMu.Lock()
	for _, id := range t.cfg.Chats {
		if ctx.Err() != nil {
			break
		}
		if t.dir.known(id) {
			continue
		}
		c, err := t.bot.ChatByID(id)
		if err != nil {
			t.log.Debug("resolve configured chat failed", logx.Int64("chat_id", id), logx.Err(err))
			continue
		}
		t.dir.learn(c)
	}
	t.chatMu.Unlock()
	return t.dir.list(), nil
}

func (t *Transport) Send(ctx context.Context, to transport.Destination, p transport.Payload) error {
	id, err := strconv.ParseInt(to.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", to.ID, err)
	}
	chat := &tele.Chat{ID: id}

	text := p.Text
	if p.Image != nil {
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(p.Image.Data))}
		if len([]rune(text)) <= captionLimit {
			photo.Caption = text
			text = ""
		}
		if _, err := t.bot.Send(chat, photo); err != nil {
			return err
		}
		if text == "" {
			return nil
		}
	}

	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Close stops polling. It emits EventClosed if the session was still live.
func (t *Transport) Close(ctx context.Context) error {
	t.finish(transport.CloseReason{Message: "closed by client"})

	// Keep shutdown snappy even if a long poll is still in flight.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := t.sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tm.C:
		return true
	}
}
