// uartcat sends wire messages typed on stdin ("x120y80w40h60d1", "stop") to
// a link through the transmission throttle. Lines arriving faster than the
// send interval replace each other; only the newest is sent.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dj-oyu/target-relay/internal/config"
	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/protocol"
	"github.com/dj-oyu/target-relay/internal/throttle"
)

func main() {
	cfg := config.DefaultConfig()
	if err := config.LoadEnv(&cfg); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}

	stopOnExit := true
	flag.StringVar(&cfg.LinkKind, "link", cfg.LinkKind, "Link kind: serial, tcp, stdout")
	flag.StringVar(&cfg.SerialPort, "serial-port", cfg.SerialPort, "Serial port device")
	flag.IntVar(&cfg.BaudRate, "baud", cfg.BaudRate, "Serial baud rate")
	flag.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "TCP bridge address")
	flag.DurationVar(&cfg.SendInterval, "send-interval", cfg.SendInterval, "Minimum spacing between transmissions")
	flag.BoolVar(&stopOnExit, "stop-on-exit", stopOnExit, "Send a final stop before disconnecting")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error, silent")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	listPorts := flag.Bool("list", false, "List serial ports and exit")
	flag.Parse()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	if *listPorts {
		ports, err := link.SerialPorts()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			os.Stdout.WriteString(p + "\n")
		}
		return
	}

	lk, err := newLink(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	err = lk.Connect(connectCtx)
	connectCancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	th := throttle.New(cfg.SendInterval, lk)
	run(ctx, os.Stdin, th, cfg.SendInterval)

	if stopOnExit {
		waitIdle(lk, time.Second)
		report(th.ForceStop(time.Now()))
	}
	waitIdle(lk, time.Second)
	if err := lk.Disconnect(); err != nil {
		logger.Warn("Main", "Disconnect: %v", err)
	}
}

func newLink(cfg config.Config) (*link.Stream, error) {
	switch cfg.LinkKind {
	case config.LinkTCP:
		return link.NewStream("tcp "+cfg.TCPAddr, link.TCPDialer(cfg.TCPAddr), nil), nil
	case config.LinkStdout:
		return link.NewStream("stdout", link.WriterDialer(os.Stdout), nil), nil
	case config.LinkSerial:
		return link.NewStream("serial "+cfg.SerialPort, link.SerialDialer(cfg.SerialPort, cfg.BaudRate), nil), nil
	default:
		return nil, fmt.Errorf("unsupported link kind for uartcat: %s", cfg.LinkKind)
	}
}

// waitIdle waits for an outstanding write so the next one is not dropped
func waitIdle(lk *link.Stream, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for lk.InFlight() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// run forwards parsed lines from r until EOF or cancellation. The newest
// pending message is offered to the throttle every quarter interval.
func run(ctx context.Context, r io.Reader, th *throttle.Throttle, interval time.Duration) {
	lines := make(chan protocol.Message)
	go readLines(ctx, r, lines)

	poll := interval / 4
	if poll <= 0 {
		poll = time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var (
		pending *protocol.Message
		eof     bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-lines:
			if !ok {
				eof = true
				lines = nil
				if pending == nil {
					return
				}
				continue
			}
			pending = &msg
		case now := <-ticker.C:
			if pending == nil {
				continue
			}
			if res, attempted := th.Offer(now, *pending); attempted {
				report(res)
				pending = nil
				if eof {
					return
				}
			}
		}
	}
}

// readLines parses lines from r until EOF or until ctx is done
func readLines(ctx context.Context, r io.Reader, out chan<- protocol.Message) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.ReplaceAll(scanner.Text(), " ", "")
		if line == "" {
			continue
		}
		msg, err := protocol.Parse(line)
		if err != nil {
			logger.Warn("Input", "%v", err)
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Input", "Read failed: %v", err)
	}
}

func report(res throttle.Result) {
	logger.Info("Send", "%s -> %s", res.Message, res.Outcome)
}
