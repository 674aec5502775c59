// Package cli is a stdin/stdout channel for running the assistant
// locally without Telegram credentials.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"elias/app/pkg/types"
)

type Channel struct {
	id     string
	userID string
	in     io.Reader
	out    io.Writer

	mu     sync.Mutex
	tokens map[string]bool // button tokens offered by the last reply
}

func NewChannel(userID string) *Channel {
	if strings.TrimSpace(userID) == "" {
		userID = "local_user"
	}
	return &Channel{id: "cli", userID: userID, in: os.Stdin, out: os.Stdout}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprintln(c.out, ">> ELiaS CLI listo. Escribe 'salir' para terminar.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "salir" || text == "exit" || text == "quit" {
			fmt.Fprintln(c.out, "Hasta luego.")
			return nil
		}

		handler(types.Message{
			ID:        fmt.Sprintf("cli-%d", time.Now().UnixNano()),
			Content:   text,
			Role:      types.MessageRoleUser,
			ChannelID: c.id,
			UserID:    c.userID,
			Callback:  c.isOfferedToken(text),
			Timestamp: time.Now(),
		})
	}
}

// isOfferedToken reports whether the typed line is one of the button
// tokens the last reply offered. Such a line is a button press, not
// text for the classifier.
func (c *Channel) isOfferedToken(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[strings.ToLower(text)]
}

// Send prints the reply. Button rows render as token hints so quick
// actions stay reachable by typing the token; the offered tokens are
// remembered so a typed one routes as a button press.
func (c *Channel) Send(_ context.Context, msg types.Message) error {
	fmt.Fprintf(c.out, "[ELiaS]: %s\n", msg.Content)

	offered := make(map[string]bool)
	for _, row := range msg.Buttons {
		labels := make([]string, 0, len(row))
		for _, b := range row {
			labels = append(labels, fmt.Sprintf("%s (%s)", b.Label, b.Token))
			offered[strings.ToLower(strings.TrimSpace(b.Token))] = true
		}
		if len(labels) > 0 {
			fmt.Fprintf(c.out, "  · %s\n", strings.Join(labels, " | "))
		}
	}

	if len(offered) > 0 {
		c.mu.Lock()
		c.tokens = offered
		c.mu.Unlock()
	}
	return nil
}
