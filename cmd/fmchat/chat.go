package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	fmchat "github.com/Diarintsoa1402/futureMakers-sub000"
)

var (
	chatGroup   bool
	chatTimeout time.Duration
)

func init() {
	chatCmd.Flags().BoolVar(&chatGroup, "group", false, "Treat the id as a group id")
	chatCmd.Flags().DurationVar(&chatTimeout, "connect-timeout", 10*time.Second, "How long to wait for the chat channel")
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Commands:
  /file <path> [text]  send a file
  /who                 list online users
  /unread              show unread counts
  /quit                leave`

var chatCmd = &cobra.Command{
	Use:   "chat <thread-id>",
	Short: "Open a conversation or group and follow it live",
	Long:  "Open a thread, print its history and every new message as it arrives, and send each line typed on stdin.\n\n" + chatHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Live messages are only marked read when stdin is a terminal.
		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		ctrl, err := s.controller(ctx, chatTimeout, fmchat.WithFocus(func() bool { return interactive }))
		if err != nil {
			return err
		}
		defer ctrl.Teardown()

		view := &threadView{ctrl: ctrl, printed: make(map[string]struct{})}
		ctrl.On(fmchat.UpdateThread, func(fmchat.Update) { view.flush() })
		ctrl.On(fmchat.UpdateStatus, func(u fmchat.Update) {
			if u.Status != fmchat.StatusConnected {
				view.println("* " + string(u.Status))
			}
		})
		ctrl.On(fmchat.UpdateNotice, func(u fmchat.Update) {
			n := u.Notice
			if n.Level == fmchat.NoticeError && n.Err != nil {
				view.println(fmt.Sprintf("! %s: %v", n.Text, n.Err))
				return
			}
			view.println("* " + n.Text)
		})

		if err := ctrl.OpenThread(ctx, threadRef(args[0], chatGroup)); err != nil {
			return fmt.Errorf("cannot open thread: %w", err)
		}
		if interactive {
			view.println(chatHelp)
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
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
				quit, err := runChatLine(ctx, ctrl, view, line)
				if err != nil {
					view.println("! " + err.Error())
				}
				if quit {
					return nil
				}
			}
		}
	},
}

// runChatLine handles one line of input and reports whether the session should end.
func runChatLine(ctx context.Context, ctrl *fmchat.Controller, view *threadView, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/who":
		online := ctrl.OnlineUsers()
		if len(online) == 0 {
			view.println("* nobody online")
		} else {
			view.println("* online: " + strings.Join(online, ", "))
		}
		return false, nil
	case "/unread":
		for _, e := range append(ctrl.Conversations(), ctrl.Groups()...) {
			if e.UnreadCount > 0 {
				view.println(fmt.Sprintf("* %s: %d unread", e.Title, e.UnreadCount))
			}
		}
		view.println(fmt.Sprintf("* total: %d", ctrl.TotalUnread()))
		return false, nil
	case "/file":
		path, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if path == "" {
			return false, errors.New("usage: /file <path> [text]")
		}
		att, err := readAttachment(path)
		if err != nil {
			return false, err
		}
		_, err = ctrl.Send(ctx, text, att)
		return false, err
	}

	_, err := ctrl.Send(ctx, line, nil)
	if errors.Is(err, fmchat.ErrSendInFlight) {
		return false, errors.New("previous message still sending")
	}
	return false, err
}

// threadView prints each confirmed message of the open thread exactly once.
type threadView struct {
	mu      sync.Mutex
	ctrl    *fmchat.Controller
	printed map[string]struct{}
}

func (v *threadView) flush() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.ctrl.Messages() {
		if m.State == fmchat.StatePending {
			continue
		}
		if _, ok := v.printed[m.ID]; ok {
			continue
		}
		v.printed[m.ID] = struct{}{}
		fmt.Println(formatMessage(m))
	}
}

func (v *threadView) println(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Println(s)
}
