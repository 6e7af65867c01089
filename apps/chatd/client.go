package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/auth"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/config"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/gateway"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// ClientOptions holds flags for the client command.
type ClientOptions struct {
	*RootOptions
	Addr string
	User int64
	Room int64
}

func newClientCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive terminal chat client",
		Long: `Interactive terminal chat client for a running chatd.

Lines typed are sent to the room. Commands:
  /older          load older messages
  /join <room>    join and switch to a room
  /leave          leave the current room
  /quit           exit

Example:
  chatd client --user 3 --room 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "localhost:8080", "gateway address")
	cmd.Flags().Int64Var(&opts.User, "user", 1, "user id")
	cmd.Flags().Int64Var(&opts.Room, "room", 1, "room id")
	return cmd
}

type inbound struct {
	ID      int64              `json:"id"`
	Event   string             `json:"event"`
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data"`
	Error   *gateway.ErrorBody `json:"error"`
}

type chatSession struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	mu     sync.Mutex
	writes sync.Mutex
	room   int64
	oldest *model.Message
}

func (s *chatSession) request(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.conn.WriteJSON(gateway.Request{ID: s.nextID.Add(1), Event: event, Payload: raw})
}

func (s *chatSession) currentRoom() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// remember tracks the oldest message seen for /older.
func (s *chatSession) remember(msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		if msgs[i].RoomID != s.room {
			continue
		}
		if s.oldest == nil || msgs[i].Key() < s.oldest.Key() {
			m := msgs[i]
			s.oldest = &m
		}
	}
}

func printMessage(m model.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	fmt.Printf("\r[%s] room %d, user %d: %s\n> ", ts, m.RoomID, m.SenderID, m.Body)
}

func (s *chatSession) readLoop(done chan struct{}) {
	defer close(done)
	for {
		var f inbound
		if err := s.conn.ReadJSON(&f); err != nil {
			log.Println("read:", err)
			return
		}

		if !f.Success && f.Error == nil {
			s.handlePush(f)
			continue
		}
		if !f.Success {
			if f.Error != nil {
				fmt.Printf("\r%s failed (%s): %s\n> ", f.Event, f.Error.Kind, f.Error.Message)
			}
			continue
		}

		switch f.Event {
		case gateway.EventLoadOlder, gateway.EventUnreadSince:
			var res struct {
				Messages []model.Message `json:"messages"`
			}
			if err := json.Unmarshal(f.Data, &res); err != nil {
				continue
			}
			for _, m := range res.Messages {
				printMessage(m)
			}
			s.remember(res.Messages)
			if len(res.Messages) == 0 {
				fmt.Print("\r(no more messages)\n> ")
			}
		case gateway.EventLogin:
			fmt.Printf("\rlogged in: %s\n> ", f.Data)
		case gateway.EventJoin, gateway.EventLeave:
			fmt.Printf("\r%s: %s\n> ", f.Event, f.Data)
		}
	}
}

func (s *chatSession) handlePush(f inbound) {
	switch f.Event {
	case gateway.PushChat:
		var m model.Message
		if err := json.Unmarshal(f.Data, &m); err == nil {
			printMessage(m)
			s.remember([]model.Message{m})
		}
	case gateway.PushRoom:
		var n gateway.RoomNotice
		if err := json.Unmarshal(f.Data, &n); err == nil {
			fmt.Printf("\r* user %d %s room %d\n> ", n.UserID, n.Kind, n.RoomID)
		}
	}
}

func (s *chatSession) command(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil

	case "/older":
		s.mu.Lock()
		ref := s.oldest
		s.mu.Unlock()
		if ref == nil {
			fmt.Print("(nothing loaded yet)\n> ")
			return false, nil
		}
		return false, s.request(gateway.EventLoadOlder, map[string]any{"message": ref})

	case "/join":
		if len(fields) != 2 {
			fmt.Print("usage: /join <room>\n> ")
			return false, nil
		}
		room, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Print("invalid room\n> ")
			return false, nil
		}
		s.mu.Lock()
		s.room, s.oldest = room, nil
		s.mu.Unlock()
		if err := s.request(gateway.EventJoin, map[string]any{"roomId": room}); err != nil {
			return false, err
		}
		return false, s.request(gateway.EventUnreadSince, map[string]any{"roomId": room, "message": nil, "requestAll": true})

	case "/leave":
		return false, s.request(gateway.EventLeave, map[string]any{"roomId": s.currentRoom()})
	}

	fmt.Print("unknown command\n> ")
	return false, nil
}

func runClient(opts *ClientOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	signer, err := auth.NewSigner([]byte(cfg.JWTSecret))
	if err != nil {
		return err
	}
	token, err := signer.Issue(opts.User)
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: opts.Addr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	s := &chatSession{conn: c, room: opts.Room}
	done := make(chan struct{})
	go s.readLoop(done)

	if err := s.request(gateway.EventLogin, map[string]any{"userId": opts.User}); err != nil {
		return err
	}
	if err := s.request(gateway.EventUnreadSince, map[string]any{"roomId": opts.Room, "message": nil, "requestAll": true}); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}

			if strings.HasPrefix(text, "/") {
				quit, err := s.command(text)
				if err != nil {
					log.Println("write:", err)
					break
				}
				if quit {
					break
				}
				continue
			}

			err := s.request(gateway.EventChat, map[string]any{
				"senderId": opts.User,
				"roomId":   s.currentRoom(),
				"body":     text,
			})
			if err != nil {
				log.Println("write:", err)
				break
			}
			fmt.Print("> ")
		}
		interrupt <- os.Interrupt
	}()

	for {
		select {
		case <-done:
			return nil
		case <-interrupt:
			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			s.writes.Lock()
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writes.Unlock()
			if err != nil {
				return fmt.Errorf("write close: %w", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		}
	}
}
