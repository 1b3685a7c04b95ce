// Command party is a headless watch party client. It drives a virtual
// player from stdin commands so the sync engine can be exercised against a
// relay, another process over a peer channel, or in-process guests.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"streamly/internal/catalog"
	"streamly/internal/logging"
	"streamly/internal/party"
	"streamly/internal/player"
	"streamly/internal/protocol"
	"streamly/internal/signaling"
	"streamly/internal/transport"
)

func main() {
	var (
		modeFlag    = flag.String("mode", "remote", "party mode: local, remote or peer")
		room        = flag.String("room", "", "room name (not used in peer mode)")
		relayURL    = flag.String("relay", getEnv("STREAMLY_RELAY", "ws://localhost:8080/ws"), "relay WebSocket URL")
		asHost      = flag.Bool("host", false, "start as host")
		catalogPath = flag.String("catalog", "", "YAML media catalog")
		itemID      = flag.String("item", "", "catalog item to open before starting")
		videoURL    = flag.String("url", "", "media URL to open when no item is given")
		title       = flag.String("title", "", "title for -url")
		duration    = flag.Float64("duration", 0, "media length in seconds, 0 for unbounded")
		guests      = flag.Int("local-guests", 1, "in-process guests to start in local mode")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if err := logging.Setup(os.Stderr, *logLevel, true); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	mode, err := party.ParseMode(*modeFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid mode")
	}

	var lib *catalog.Static
	if *catalogPath != "" {
		if lib, err = catalog.Load(*catalogPath); err != nil {
			log.Fatal().Err(err).Msg("failed to load catalog")
		}
	}

	clock := clockwork.NewRealClock()
	virtual := player.NewVirtual(clock)
	virtual.SetDuration(*duration)
	if ref, ok := initialMedia(lib, *itemID, *videoURL, *title); ok {
		virtual.Open(ref, 0, false)
	}

	bus := transport.NewBus()
	engine := party.New(party.Config{
		Player:  virtual,
		Catalog: lib,
		Clock:   clock,
		Bus:     bus,
		OnChange: func(s party.Status) {
			log.Debug().Str("phase", string(s.Phase)).Str("role", s.Role()).Str("host_id", s.HostID).Msg("party status")
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stdin := bufio.NewScanner(os.Stdin)
	opts := party.StartOptions{Mode: mode, Room: *room, AsHost: *asHost, Endpoint: *relayURL}
	if mode == party.ModePeer {
		peer, err := connectPeer(ctx, *asHost, stdin)
		if err != nil {
			log.Fatal().Err(err).Msg("peer connection failed")
		}
		opts.Transport = peer
	}

	if err := engine.Start(ctx, opts); err != nil {
		log.Fatal().Err(err).Msg("failed to start party")
	}
	defer engine.Stop()

	sub, err := engine.Bind()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind player")
	}
	defer sub.Close()
	virtual.Attach(sub)

	if mode == party.ModeLocal {
		for i := 0; i < *guests; i++ {
			stopGuest := startLocalGuest(ctx, bus, lib, clock, *room, i+1)
			defer stopGuest()
		}
	}

	if invite, err := engine.Invite(); err == nil {
		fmt.Println(invite)
	}
	fmt.Println(`commands: play | pause | seek <sec> | status | invite | follow on|off | quit`)

	go watchEnd(ctx, clock, virtual)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for stdin.Scan() {
			lines <- stdin.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !runCommand(engine, virtual, strings.Fields(line)) {
				return
			}
		}
	}
}

func runCommand(engine *party.Engine, v *player.Virtual, args []string) bool {
	if len(args) == 0 {
		return true
	}
	switch args[0] {
	case "play":
		v.Play()
	case "pause":
		v.Pause()
	case "seek":
		if len(args) < 2 {
			fmt.Println("usage: seek <seconds>")
			return true
		}
		t, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			fmt.Println("invalid position:", err)
			return true
		}
		v.Seek(t)
	case "status":
		st := engine.Status()
		ref, _ := v.NowPlaying()
		fmt.Printf("%s %s room=%q role=%s follow=%t media=%q at %.1fs paused=%t\n",
			st.Mode, st.Phase, st.Room, st.Role(), st.Follow, ref.Title, v.CurrentLocalTime(), v.IsLocallyPaused())
		if url := v.MountedURL(); url != "" {
			fmt.Println("mounted:", url)
		}
	case "invite":
		invite, err := engine.Invite()
		if err != nil {
			fmt.Println(err)
			return true
		}
		fmt.Println(invite)
	case "follow":
		engine.SetFollow(len(args) < 2 || args[1] != "off")
	case "quit", "exit":
		return false
	default:
		fmt.Println("unknown command:", args[0])
	}
	return true
}

func initialMedia(lib *catalog.Static, itemID, videoURL, title string) (protocol.MediaRef, bool) {
	if itemID != "" {
		ref, ok := lib.GetByID(itemID)
		if !ok {
			log.Warn().Str("item_id", itemID).Msg("item not in catalog")
		}
		return ref, ok
	}
	if videoURL == "" {
		return protocol.MediaRef{}, false
	}
	if title == "" {
		title = "Untitled"
	}
	return protocol.MediaRef{Title: title, Kind: "movie", VideoURL: videoURL, Source: protocol.SourceMain}, true
}

// connectPeer runs the copy and paste exchange on stdin and stdout.
func connectPeer(ctx context.Context, offerer bool, stdin *bufio.Scanner) (*transport.Peer, error) {
	cfg := signaling.DefaultConfig()
	readLine := func(prompt string) (string, error) {
		fmt.Println(prompt)
		if !stdin.Scan() {
			if err := stdin.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("stdin closed")
		}
		return stdin.Text(), nil
	}

	if offerer {
		o, err := signaling.NewOfferer(cfg)
		if err != nil {
			return nil, err
		}
		offer, err := o.Offer(ctx)
		if err != nil {
			_ = o.Close()
			return nil, err
		}
		fmt.Println("offer (send this to your guest):")
		fmt.Println(offer)
		for {
			answer, err := readLine("paste the answer:")
			if err != nil {
				_ = o.Close()
				return nil, err
			}
			if err := o.AcceptAnswer(answer); err != nil {
				fmt.Println(err)
				continue
			}
			break
		}
		return waitReady(ctx, o.Ready(), o.Close)
	}

	a, err := signaling.NewAnswerer(cfg)
	if err != nil {
		return nil, err
	}
	for {
		offer, err := readLine("paste the offer:")
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		answer, err := a.Answer(ctx, offer)
		if err != nil {
			fmt.Println(err)
			continue
		}
		fmt.Println("answer (send this back to the host):")
		fmt.Println(answer)
		break
	}
	return waitReady(ctx, a.Ready(), a.Close)
}

func waitReady(ctx context.Context, ready <-chan *transport.Peer, abort func() error) (*transport.Peer, error) {
	select {
	case peer := <-ready:
		return peer, nil
	case <-ctx.Done():
		_ = abort()
		return nil, ctx.Err()
	}
}

// startLocalGuest runs a follower engine with its own virtual player on the
// shared bus and logs its position.
func startLocalGuest(ctx context.Context, bus *transport.Bus, lib *catalog.Static, clock clockwork.Clock, room string, n int) func() {
	v := player.NewVirtual(clock)
	guest := party.New(party.Config{Player: v, Catalog: lib, Clock: clock, Bus: bus})
	if err := guest.Start(ctx, party.StartOptions{Mode: party.ModeLocal, Room: room}); err != nil {
		log.Error().Err(err).Int("guest", n).Msg("local guest failed to start")
		return func() {}
	}
	sub, err := guest.Bind()
	if err == nil {
		v.Attach(sub)
	}

	done := make(chan struct{})
	go func() {
		ticker := clock.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				ref, _ := v.NowPlaying()
				log.Info().
					Int("guest", n).
					Str("media", ref.Title).
					Float64("position", v.CurrentLocalTime()).
					Bool("paused", v.IsLocallyPaused()).
					Msg("local guest")
			}
		}
	}()

	return func() {
		close(done)
		if sub != nil {
			sub.Close()
		}
		guest.Stop()
	}
}

func watchEnd(ctx context.Context, clock clockwork.Clock, v *player.Virtual) {
	ticker := clock.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if v.CheckEnded() {
				fmt.Println("playback ended")
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
