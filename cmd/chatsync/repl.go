package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/omochice/chatsync/internal/api"
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/internal/store"
	"github.com/omochice/chatsync/internal/visibility"
)

const help = `commands:
  /list                         list conversations
  /open <userId> [chatId]       open a conversation
  /groups                       list group conversations
  /group <name> <userId>...     create a group
  /gif <url>                    send a gif
  /sticker <url>                send a sticker
  /typing on|off                show or clear your typing indicator
  /quit                         exit
anything else is sent as a text message`

var errQuit = errors.New("quit")

// inputObserver receives the composer text. *visibility.Helper turns it
// into debounced typing edges.
type inputObserver interface {
	InputChanged(text string)
}

var _ inputObserver = (*visibility.Helper)(nil)

type repl struct {
	store *store.Store
	api   *api.Client
	input inputObserver
	out   *printer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	r.out.println(help)
	if err := r.store.LoadConversations(ctx); err != nil {
		r.out.println("failed to load conversations:", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.out.println("error:", err)
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		// A sent line leaves the composer empty.
		defer r.input.InputChanged("")
		return r.send(ctx, line, model.ContentTypeText)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		r.out.println(help)
	case "/list":
		if err := r.store.LoadConversations(ctx); err != nil {
			return err
		}
		r.out.conversations(r.store.Snapshot().Conversations)
	case "/open":
		if len(args) == 0 {
			return errors.New("usage: /open <userId> [chatId]")
		}
		chatID := ""
		if len(args) > 1 {
			chatID = args[1]
		}
		return r.store.SelectConversation(ctx, args[0], chatID)
	case "/groups":
		groups, err := r.api.ListGroups(ctx)
		if err != nil {
			return err
		}
		r.out.conversations(groups)
	case "/group":
		if len(args) < 2 {
			return errors.New("usage: /group <name> <userId>...")
		}
		group, err := r.api.CreateGroup(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		r.out.println("created group", group.Name, group.ID)
		return r.store.LoadConversations(ctx)
	case "/typing":
		switch {
		case len(args) == 1 && args[0] == "on":
			r.input.InputChanged("typing")
		case len(args) == 1 && args[0] == "off":
			r.input.InputChanged("")
		default:
			return errors.New("usage: /typing on|off")
		}
	case "/gif", "/sticker":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <url>", cmd)
		}
		return r.send(ctx, args[0], model.ParseContentType(strings.TrimPrefix(cmd, "/")))
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}

func (r *repl) send(ctx context.Context, content string, contentType model.ContentType) error {
	convID := r.store.Snapshot().SelectedID()
	if convID == "" {
		return errors.New("open a conversation first")
	}
	_, err := r.store.SendMessage(ctx, convID, content, contentType)
	return err
}
