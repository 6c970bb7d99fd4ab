// Command loadtest drives a linechat server with synthetic traffic: N
// concurrent clients sending broadcasts at a fixed rate, reporting delivery
// throughput once per second.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/linechat/linechat/pkg/protocol"
)

var words = []string{
	"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipiscing",
	"elit", "sed", "eiusmod", "tempor", "incididunt", "labore", "dolore",
	"magna", "aliqua", "veniam", "nostrud", "ullamco", "laboris",
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	errors   atomic.Int64
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8000", "server address")
	clients := flag.Int("clients", 10, "number of concurrent clients")
	rate := flag.Duration("rate", time.Second, "interval between sends per client")
	duration := flag.Duration("duration", 30*time.Second, "total test duration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sig:
		case <-time.After(*duration):
		}
		close(done)
	}()

	var st stats
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runClient(*addr, *rate, &st, done); err != nil {
				logger.Error("client stopped", "client", id, "error", err)
			}
		}(i)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastSent, lastReceived int64
	for {
		select {
		case <-done:
			wg.Wait()
			fmt.Printf("total: sent=%d received=%d errors=%d\n",
				st.sent.Load(), st.received.Load(), st.errors.Load())
			return
		case <-ticker.C:
			sent, received := st.sent.Load(), st.received.Load()
			fmt.Printf("sent/s=%d received/s=%d errors=%d\n",
				sent-lastSent, received-lastReceived, st.errors.Load())
			lastSent, lastReceived = sent, received
		}
	}
}

// runClient opens one connection, reads updates in the background, and sends
// a random broadcast every rate interval until done closes.
func runClient(addr string, rate time.Duration, st *stats, done <-chan struct{}) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		reader := bufio.NewReaderSize(conn, protocol.MaxLineSize)
		for {
			payload, err := protocol.ReadFrame(reader)
			if err != nil {
				return
			}
			if u, err := protocol.DecodeUpdate(payload); err == nil && u.Status == protocol.StatusMsg {
				st.received.Add(1)
			}
		}
	}()

	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			text := randomText()
			payload, err := (&protocol.Request{Command: "send", Data: text}).Encode()
			if err != nil {
				st.errors.Add(1)
				continue
			}
			if err := protocol.WriteFrame(conn, payload); err != nil {
				st.errors.Add(1)
				return fmt.Errorf("send failed: %w", err)
			}
			st.sent.Add(1)
		}
	}
}

func randomText() string {
	n := 3 + rand.Intn(8)
	out := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, words[rand.Intn(len(words))]...)
	}
	return string(out)
}
