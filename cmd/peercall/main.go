// Peercall — interactive call client.
//
// Connects to a relay server, watches for incoming call invitations, and
// drives audio/video calls from the terminal. Media is captured from the
// local camera and microphone and exchanged peer-to-peer; the relay only
// carries signaling.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/murdskristians/peercall/internal/call"
	"github.com/murdskristians/peercall/internal/media"
	"github.com/murdskristians/peercall/internal/rtc"
	sig "github.com/murdskristians/peercall/internal/signal"
	"github.com/murdskristians/peercall/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	relayURL := flag.String("relay", "http://localhost:8080", "Relay server base URL")
	token := flag.String("token", "", "Bearer token issued for this user")
	user := flag.String("user", "", "User ID to sign in as")
	conversation := flag.String("conversation", "", "Conversation ID to call into")
	group := flag.Bool("group", false, "Start a group call instead of 1:1")
	video := flag.Bool("video", true, "Capture video as well as audio")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Printfln("Peercall — v%s", version)
	pterm.Println()

	if *user == "" || *token == "" {
		util.LogError("both -user and -token are required")
		os.Exit(1)
	}

	devices, err := media.NewDevices()
	if err != nil {
		util.LogError("initialize capture devices: %v", err)
		os.Exit(1)
	}

	client := sig.NewRelayClient(*relayURL, *token, *user)
	defer client.Close()

	manager := call.NewManager(call.Config{
		SelfID:    *user,
		Transport: client,
		Rooms:     client,
		Directory: client,
		Media:     devices,
		Factory:   rtc.NewPionFactory(devices.ConfigureEngine),
	})
	defer manager.Close()

	manager.SetStateCallback(printState(*user))

	if err := manager.SubscribeIncoming(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("signed in as %s, waiting for calls", *user)

	util.StartStatsReporter(ctx)

	if *conversation != "" {
		if err := manager.InitializeCall(ctx, "", *conversation, true, *group, *video); err != nil {
			util.LogError("start call: %v", err)
			os.Exit(1)
		}
	}

	runPrompt(ctx, manager, *video)
}

// runPrompt reads commands from stdin until EOF or Ctrl+C.
func runPrompt(ctx context.Context, manager *call.Manager, withVideo bool) {
	pterm.Println()
	pterm.Println("Commands: accept, decline, mute, video, hangup, quit")
	pterm.Println()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			manager.End(context.Background())
			return
		case line, ok := <-lines:
			if !ok {
				manager.End(context.Background())
				return
			}
			switch line {
			case "accept":
				if err := manager.Accept(ctx, withVideo); err != nil {
					util.LogWarning("%v", err)
				}
			case "decline":
				if err := manager.Decline(); err != nil {
					util.LogWarning("%v", err)
				}
			case "mute":
				muted := manager.ToggleAudio()
				util.LogInfo("microphone muted: %v", muted)
			case "video":
				enabled := manager.ToggleVideo()
				util.LogInfo("camera enabled: %v", enabled)
			case "hangup":
				manager.End(ctx)
			case "quit":
				manager.End(context.Background())
				return
			case "":
			default:
				pterm.Println("Commands: accept, decline, mute, video, hangup, quit")
			}
		}
	}
}

// printState renders call state transitions as they happen.
func printState(selfID string) func(*call.State) {
	return func(s *call.State) {
		switch {
		case s.IsCalling && s.Invitation != nil:
			pterm.Println()
			pterm.Success.Printfln("Incoming call from %s — type 'accept' or 'decline'", s.Invitation.SenderID)
		case s.IsConnecting:
			util.LogInfo("connecting to room %s...", s.RoomID)
		case s.IsConnected:
			others := make([]string, 0, len(s.ParticipantIDs))
			for _, p := range s.ParticipantIDs {
				if p != selfID {
					others = append(others, p)
				}
			}
			util.LogInfo("in call with %s (%d remote streams)",
				strings.Join(others, ", "), len(s.RemoteStreams))
		case s.RoomID == "":
			util.LogInfo("idle")
		}
	}
}
