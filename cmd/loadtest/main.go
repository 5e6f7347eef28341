package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opticom/chat/pkg/logging"
	"github.com/opticom/chat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

// stampMarker prefixes the send time embedded in every bot message
const stampMarker = " ~t"

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// generateUsername glues fragments of two lorem words and a number
func generateUsername(id int) string {
	a := loremWords[rand.Intn(len(loremWords))]
	b := loremWords[rand.Intn(len(loremWords))]
	if len(a) > 4 {
		a = a[:4]
	}
	if len(b) > 4 {
		b = b[:4]
	}
	return fmt.Sprintf("%s%s%d", a, b, id)
}

// Stats tracks load test counters
type Stats struct {
	posted           atomic.Int64
	received         atomic.Int64
	throttled        atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
	latencySamples   atomic.Int64
	totalLatency     atomic.Int64 // in microseconds
}

func (s *Stats) recordDelivery(latency time.Duration) {
	s.received.Add(1)
	if latency >= 0 {
		s.latencySamples.Add(1)
		s.totalLatency.Add(latency.Microseconds())
	}
}

func (s *Stats) avgLatencyMs() float64 {
	n := s.latencySamples.Load()
	if n == 0 {
		return 0
	}
	return float64(s.totalLatency.Load()) / float64(n) / 1000.0
}

// BotClient is one scripted chat connection
type BotClient struct {
	id       int
	username string
	room     string
	conn     net.Conn
	stats    *Stats
	logger   zerolog.Logger
}

// Connect dials the server, performs the username handshake and joins the
// bot's room
func (bc *BotClient) Connect(addr string, key []byte) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		bc.stats.connectionErrors.Add(1)
		return fmt.Errorf("failed to connect: %w", err)
	}
	bc.conn = protocol.NewCipherConn(conn, key)

	if _, err := bc.conn.Write([]byte(bc.username + "\n")); err != nil {
		bc.conn.Close()
		bc.stats.connectionErrors.Add(1)
		return fmt.Errorf("failed to send username: %w", err)
	}

	if bc.room != protocol.DefaultRoom {
		// The server reads one payload per message; keep the join apart from the handshake
		time.Sleep(50 * time.Millisecond)
		if _, err := bc.conn.Write([]byte("/join " + bc.room + "\n")); err != nil {
			bc.conn.Close()
			bc.stats.connectionErrors.Add(1)
			return fmt.Errorf("failed to join #%s: %w", bc.room, err)
		}
	}
	return nil
}

// readLoop counts deliveries until the connection closes
func (bc *BotClient) readLoop(done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(bc.conn)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "You are sending messages too fast"),
			strings.HasPrefix(line, "Slowmode is on"):
			bc.stats.throttled.Add(1)
		case strings.Contains(line, stampMarker):
			bc.stats.recordDelivery(latencyFromLine(line))
		}
	}
}

// latencyFromLine extracts the embedded send time, or returns -1
func latencyFromLine(line string) time.Duration {
	idx := strings.LastIndex(line, stampMarker)
	if idx < 0 {
		return -1
	}
	nanos, err := strconv.ParseInt(line[idx+len(stampMarker):], 10, 64)
	if err != nil {
		return -1
	}
	return time.Since(time.Unix(0, nanos))
}

func (bc *BotClient) randomMessage() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	return strings.Join(words, " ") + stampMarker + strconv.FormatInt(time.Now().UnixNano(), 10)
}

// Run posts random messages until the deadline or stop is closed
func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	readerDone := make(chan struct{})
	go bc.readLoop(readerDone)
	defer func() {
		bc.conn.Close()
		<-readerDone
	}()

	deadline := time.After(duration)
	for {
		spread := int64(maxDelay - minDelay)
		delay := minDelay
		if spread > 0 {
			delay += time.Duration(rand.Int63n(spread))
		}

		select {
		case <-deadline:
			return
		case <-stop:
			return
		case <-readerDone:
			bc.stats.disconnections.Add(1)
			bc.logger.Debug().Int("bot", bc.id).Msg("Server closed connection")
			return
		case <-time.After(delay):
		}

		if _, err := bc.conn.Write([]byte(bc.randomMessage() + "\n")); err != nil {
			bc.stats.disconnections.Add(1)
			return
		}
		bc.stats.posted.Add(1)
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	numRooms := flag.Int("rooms", 1, "Number of rooms to spread clients over")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 500*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 2*time.Second, "Maximum delay between posts")
	xorKey := flag.String("xor-key", "", "XOR key shared with the server (empty disables)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	logger := logging.New(logging.Config{Level: level, Format: logging.FormatPretty})

	if *numClients < 1 || *numRooms < 1 || *maxDelay < *minDelay {
		logger.Error().Msg("clients and rooms must be positive and max-delay must not be below min-delay")
		os.Exit(2)
	}

	// Ramp up over 25% of the test duration
	rampUp := *duration / 4
	stagger := rampUp / time.Duration(*numClients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logger.Info().
		Str("server", *serverAddr).
		Int("clients", *numClients).
		Int("rooms", *numRooms).
		Dur("duration", *duration).
		Dur("ramp_up", rampUp).
		Bool("xor", *xorKey != "").
		Msg("Starting load test")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received, stopping test")
		stopAll()
	}()

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		start := time.Now()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(start).Seconds()
				logger.Info().
					Int64("posted", stats.posted.Load()).
					Float64("posted_per_sec", float64(stats.posted.Load())/elapsed).
					Int64("received", stats.received.Load()).
					Int64("throttled", stats.throttled.Load()).
					Int64("conn_errors", stats.connectionErrors.Load()).
					Float64("avg_latency_ms", stats.avgLatencyMs()).
					Msg("Stats")
			case <-stop:
				return
			}
		}
	}()

	key := []byte(*xorKey)
	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		room := protocol.DefaultRoom
		if r := i % *numRooms; r > 0 {
			room = fmt.Sprintf("load-%d", r)
		}
		bot := &BotClient{
			id:       i,
			username: generateUsername(i),
			room:     room,
			stats:    stats,
			logger:   logger,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Connect(*serverAddr, key); err != nil {
				logger.Debug().Err(err).Int("bot", bot.id).Msg("Bot failed to connect")
				return
			}
			if bot.id%100 == 0 {
				logger.Info().Int("bot", bot.id).Str("room", bot.room).Msg("Connected")
			}
			bot.Run(*duration, *minDelay, *maxDelay, stop)
		}()

		select {
		case <-stop:
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	stopAll()
	<-reporterDone

	posted := stats.posted.Load()
	logger.Info().
		Dur("duration", *duration).
		Int64("posted", posted).
		Float64("posted_per_sec", float64(posted)/duration.Seconds()).
		Int64("received", stats.received.Load()).
		Int64("throttled", stats.throttled.Load()).
		Int64("conn_errors", stats.connectionErrors.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Float64("avg_latency_ms", stats.avgLatencyMs()).
		Msg("Final results")
}
