package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"pm_chat/internal/model"
	"pm_chat/internal/service/dispatch"
	"pm_chat/internal/service/messenger"
	"pm_chat/internal/utils/log"
)

const (
	typingEvery   = 3 * time.Second
	historyLength = 50
)

type (
	Sender interface {
		Send(ctx context.Context, recipientID, text string) (*model.Message, dispatch.Route, error)
		Updates() <-chan messenger.Update
		History(ctx context.Context, peerID string, limit int) ([]*model.Message, error)
	}

	TypingSender interface {
		SendTyping(recipientID string, typing bool) bool
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField
		status  *tview.TextView

		messenger Sender
		typing    TypingSender

		selfID string
		peerID string

		mu         sync.Mutex
		lastTyping time.Time
		// short ids shown next to sent lines
		labels map[string]string
	}
)

func NewApp(selfID string, m Sender, typing TypingSender) *App {
	return &App{
		app:       tview.NewApplication(),
		messenger: m,
		typing:    typing,
		selfID:    selfID,
		labels:    make(map[string]string),
	}
}

// Run opens the chat window with peerID and blocks until the user quits or
// ctx is cancelled.
func (c *App) Run(ctx context.Context, peerID string) error {
	c.peerID = peerID
	c.build()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()
	go c.listen(ctx)

	c.loadHistory(ctx)

	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

func (c *App) build() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.peerID))

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.status.SetText("[gray]connecting...[-]")

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetChangedFunc(func(string) { c.maybeSendTyping() })
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.send(text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) send(text string) {
	msg, route, err := c.messenger.Send(context.Background(), c.peerID, text)

	c.app.QueueUpdateDraw(func() {
		switch {
		case errors.Is(err, dispatch.ErrDeliveryFailed):
			fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s %s\n", tview.Escape(text), "[red](delivery failed, will retry)[-]")
		case err != nil:
			fmt.Fprintf(c.chatbox, "[red]send failed: %s[-]\n", tview.Escape(err.Error()))
		default:
			fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s [gray](%s via %s)[-]\n", tview.Escape(text), c.label(msg.MessageID), route)
		}
		c.chatbox.ScrollToEnd()
	})
	if err != nil {
		log.Warn("send message failed", zap.Error(err))
	}
}

func (c *App) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.messenger.Updates():
			line, status := c.render(u)
			if line == "" && status == "" {
				continue
			}
			c.app.QueueUpdateDraw(func() {
				if line != "" {
					fmt.Fprintln(c.chatbox, line)
					c.chatbox.ScrollToEnd()
				}
				if status != "" {
					c.status.SetText(status)
				}
			})
		}
	}
}

// render turns an update into a chat line and/or a status bar text.
func (c *App) render(u messenger.Update) (line, status string) {
	switch u.Kind {
	case messenger.UpdateReceived:
		if u.PeerID != c.peerID {
			return fmt.Sprintf("[blue]%s (elsewhere):[-] %s", tview.Escape(u.PeerID), tview.Escape(u.Plaintext)), ""
		}
		return fmt.Sprintf("[green]%s:[-] %s", tview.Escape(u.PeerID), tview.Escape(u.Plaintext)), ""
	case messenger.UpdateStatus:
		return fmt.Sprintf("[gray]  %s %s[-]", c.label(u.Message.MessageID), u.Status), ""
	case messenger.UpdateTyping:
		if u.PeerID != c.peerID {
			return "", ""
		}
		if u.Typing {
			return "", fmt.Sprintf("[gray]%s is typing...[-]", tview.Escape(u.PeerID))
		}
		return "", " "
	case messenger.UpdateFailed:
		return fmt.Sprintf("[red]could not decrypt a message from %s[-]", tview.Escape(u.PeerID)), ""
	case messenger.UpdateConnection:
		return "", "[green]connected to relay[-]"
	}
	return "", ""
}

func (c *App) label(messageID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.labels[messageID]; ok {
		return l
	}
	l := fmt.Sprintf("#%d", len(c.labels)+1)
	c.labels[messageID] = l
	return l
}

func (c *App) maybeSendTyping() {
	if c.typing == nil {
		return
	}
	c.mu.Lock()
	if time.Since(c.lastTyping) < typingEvery {
		c.mu.Unlock()
		return
	}
	c.lastTyping = time.Now()
	c.mu.Unlock()
	c.typing.SendTyping(c.peerID, true)
}

func (c *App) loadHistory(ctx context.Context) {
	history, err := c.messenger.History(ctx, c.peerID, historyLength)
	if err != nil {
		log.Warn("load history failed", zap.Error(err))
		return
	}
	for _, m := range history {
		who := "[green]" + tview.Escape(m.SenderID) + "[-]"
		if m.SenderID == c.selfID {
			who = "[yellow]You[-]"
		}
		fmt.Fprintf(c.chatbox, "[gray]%s %s: (sealed, %s)[-]\n", time.UnixMilli(m.Timestamp).Format("Jan 2 15:04"), who, m.Status)
	}
}
