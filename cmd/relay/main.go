// Peercall relay — signaling server entry point.
//
// The relay stores call rooms in Redis, exposes a REST API for room
// lifecycle, and fans signaling messages out between participants over
// WebSocket. Media never touches the relay; peers exchange it directly.
package main

import (
	"flag"
	"os"

	"github.com/pterm/pterm"

	"github.com/murdskristians/peercall/internal/relay"
	"github.com/murdskristians/peercall/internal/util"
)

var version = "dev"

func main() {
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Printfln("Peercall relay — v%s", version)
	pterm.Println()

	cfg := relay.LoadConfig()

	store, err := relay.NewRoomStore(cfg.Redis, cfg.RoomTTL)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := relay.NewServer(cfg, store)
	if err := srv.Run(); err != nil {
		util.LogError("relay server: %v", err)
		os.Exit(1)
	}
}
