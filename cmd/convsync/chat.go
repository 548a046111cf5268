package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/servicehub/convsync"
)

var chatMetricsAddr string

func init() {
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9091)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Interactive chat with live updates",
	Long: "Open a conversation, follow it live and send each typed line.\n" +
		"Commands: /file <path>, /read, /heal, /quit",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var reg prometheus.Registerer
		if chatMetricsAddr != "" {
			r := prometheus.NewRegistry()
			reg = r
			srv := &http.Server{Addr: chatMetricsAddr, Handler: promhttp.HandlerFor(r, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
			go func() { _ = srv.ListenAndServe() }()
			defer srv.Close()
		}

		s, err := newSession(true, reg)
		if err != nil {
			return err
		}
		defer s.Close()

		return runChat(ctx, s.engine, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// lineReader abstracts readline so a plain scanner can stand in when no
// terminal is attached.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

type scannerReader struct{ sc *bufio.Scanner }

func (r scannerReader) Readline() (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func (scannerReader) Close() error { return nil }

func newLineReader(in io.Reader, out io.Writer) (lineReader, io.Writer) {
	if in == os.Stdin {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "> ",
			HistoryFile:     filepath.Join(os.TempDir(), ".convsync_history"),
			HistoryLimit:    100,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err == nil {
			return rl, rl.Stdout()
		}
	}
	return scannerReader{sc: bufio.NewScanner(in)}, out
}

// runChat drives one interactive session until EOF, /quit or ctx ends.
func runChat(ctx context.Context, eng *convsync.Engine, conversationID string, in io.Reader, out io.Writer) error {
	rl, w := newLineReader(in, out)
	defer rl.Close()

	eng.On(convsync.EventMessageFailed, func(_ string, payload any) {
		if f, ok := payload.(convsync.MessageFailed); ok {
			fmt.Fprintf(w, "! send failed: %v\n", f.Err)
		}
	})
	eng.On(convsync.EventSnapshotStale, func(_ string, payload any) {
		if st, ok := payload.(convsync.SnapshotStale); ok {
			fmt.Fprintf(w, "! showing cached history: %v\n", st.Err)
		}
	})
	eng.On(convsync.EventStreamReconnect, func(string, any) {
		fmt.Fprintln(w, "* reconnected")
	})
	receipts := make(chan struct{}, 1)
	eng.On(convsync.EventReadAdvanced, func(_ string, payload any) {
		if ev, ok := payload.(convsync.ReadEvent); ok && ev.ConversationID == conversationID {
			select {
			case receipts <- struct{}{}:
			default:
			}
		}
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := eng.Open(ctx, conversationID); err != nil && !errors.Is(err, convsync.ErrNetwork) {
		return fmt.Errorf("failed to open conversation: %w", err)
	}

	updates, stop := eng.Watch(conversationID)
	defer stop()
	printer := newTimelinePrinter(eng, w)

	quitc := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msgs := <-updates:
				printer.print(msgs)
			case <-receipts:
				printer.print(eng.Messages(conversationID))
			case <-quitc:
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			break
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		quit, err := chatCommand(ctx, eng, conversationID, line, w)
		if err != nil {
			fmt.Fprintf(w, "! %v\n", err)
		}
		if quit {
			break
		}
	}

	stop()
	close(quitc)
	<-done
	printer.print(eng.Messages(conversationID))
	return nil
}

// chatCommand executes one input line.
func chatCommand(ctx context.Context, eng *convsync.Engine, conversationID, line string, w io.Writer) (quit bool, err error) {
	switch {
	case line == "/quit" || line == "/exit":
		return true, nil
	case line == "/read":
		return false, eng.MarkRead(ctx, conversationID)
	case line == "/heal":
		return false, eng.Heal(ctx)
	case strings.HasPrefix(line, "/file "):
		f, err := readFile(strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
		if err != nil {
			return false, err
		}
		_, err = eng.Send(ctx, convsync.Draft{ConversationID: conversationID, Type: convsync.MessageFile, File: f})
		return false, err
	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(w, "commands: /file <path>, /read, /heal, /quit")
		return false, nil
	}
	_, err = eng.Send(ctx, convsync.Draft{ConversationID: conversationID, Type: convsync.MessageText, Text: line})
	return false, err
}

// timelinePrinter prints each message once, and again only when its
// rendering changes (a pending message confirmed, a receipt advanced).
type timelinePrinter struct {
	eng   *convsync.Engine
	w     io.Writer
	shown map[string]string
}

func newTimelinePrinter(eng *convsync.Engine, w io.Writer) *timelinePrinter {
	return &timelinePrinter{eng: eng, w: w, shown: make(map[string]string)}
}

func (p *timelinePrinter) print(msgs []convsync.Message) {
	for _, m := range msgs {
		key := m.ID
		if m.ClientMessageID != "" {
			key = m.ClientMessageID
		}
		line := formatMessage(m, p.eng.Side(), p.eng.ReadStatus(m))
		if p.shown[key] == line {
			continue
		}
		p.shown[key] = line
		fmt.Fprintln(p.w, line)
	}
}
