package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/avolkov/peercall/internal/adapters/media"
	"github.com/avolkov/peercall/internal/adapters/rtc"
	"github.com/avolkov/peercall/internal/client/call"
	clientsignal "github.com/avolkov/peercall/internal/client/signal"
	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

var (
	flagServer string
	flagName   string
	flagCall   string
	flagRoom   string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "peercall",
	Short: "Command-line endpoint for peercall audio calls",
	Long: `Connects to a peercall signaling server, registers under a display
name and either dials a peer, joins a room, or waits for incoming calls.

Examples:
  peercall --server ws://localhost:8080/api/ws/signal --name alice
  peercall --name bob --call <peer-id>
  peercall --name carol --room abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "ws://localhost:8080/api/ws/signal", "signaling server URL")
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name")
	rootCmd.Flags().StringVar(&flagCall, "call", "", "peer id to dial once registered")
	rootCmd.Flags().StringVar(&flagRoom, "room", "", "room id to join once registered")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "verbose logging")
}

func run() error {
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	sc := clientsignal.NewClient(flagServer)
	if err := sc.Connect(); err != nil {
		return err
	}
	defer sc.Close()

	registered := make(chan struct{})
	ctl := call.NewController(call.ControllerConfig{
		Send:        sc.Send,
		Factory:     rtc.Factory(rtc.DefaultConfig()),
		Media:       media.NewStaticSource(),
		Constraints: call.Constraints{Audio: true},
		OnEvent: func(ev call.Event) {
			printEvent(ev)
			if ev.Kind == call.EventRegistered {
				select {
				case <-registered:
				default:
					close(registered)
				}
			}
		},
	})
	defer ctl.Close()

	if err := ctl.Register(flagName); err != nil {
		return err
	}

	// Envelope loop. Ends when the server connection drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range sc.Incoming() {
			ctl.HandleEnvelope(env)
		}
		log.Warn().Str("module", "client").Msg("signaling connection lost")
	}()

	<-registered
	switch {
	case flagCall != "":
		if err := ctl.StartCall(domain.PeerID(flagCall)); err != nil {
			return err
		}
	case flagRoom != "":
		if err := ctl.JoinRoom(domain.RoomID(flagRoom)); err != nil {
			return err
		}
	}

	go commandLoop(ctl, sc)
	<-done
	return nil
}

// commandLoop reads interactive commands from stdin.
func commandLoop(ctl *call.Controller, sc *clientsignal.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: call <peer-id>")
				break
			}
			err = ctl.StartCall(domain.PeerID(fields[1]))
		case "accept":
			err = ctl.AcceptCall()
		case "reject":
			err = ctl.RejectCall()
		case "end":
			err = ctl.EndCall()
		case "create":
			err = ctl.CreateRoom()
		case "join":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: join <room-id>")
				break
			}
			err = ctl.JoinRoom(domain.RoomID(fields[1]))
		case "leave":
			err = ctl.LeaveRoom()
		case "mute":
			ctl.SetAudioEnabled(false)
		case "unmute":
			ctl.SetAudioEnabled(true)
		case "quit":
			ctl.Close()
			sc.Close()
			return
		default:
			err = fmt.Errorf("commands: call, accept, reject, end, create, join, leave, mute, unmute, quit")
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func printEvent(ev call.Event) {
	switch ev.Kind {
	case call.EventRegistered:
		fmt.Printf("registered as %s\n", ev.Peer.ID)
	case call.EventIncomingCall:
		fmt.Printf("incoming call from %s (%s) - accept/reject?\n", ev.Peer.Name, ev.Peer.ID)
	case call.EventCallRejected:
		if ev.Reason == protocol.ReasonBusy {
			fmt.Println("peer is busy")
		} else {
			fmt.Println("call rejected")
		}
	case call.EventCallEnded:
		fmt.Println("call ended")
	case call.EventPeerConnected:
		fmt.Printf("media connected with %s\n", ev.Peer.ID)
	case call.EventPeerJoined:
		if ev.RoomID != "" {
			fmt.Printf("%s joined room %s\n", ev.Peer.Name, ev.RoomID)
		} else {
			fmt.Printf("%s is online (%s)\n", ev.Peer.Name, ev.Peer.ID)
		}
	case call.EventPeerLeft:
		fmt.Printf("%s left\n", ev.Peer.ID)
	case call.EventRoomCreated:
		fmt.Printf("room created: %s\n", ev.RoomID)
	case call.EventRoomJoined:
		fmt.Printf("joined room %s\n", ev.RoomID)
	case call.EventRoomNotFound:
		fmt.Printf("no such room: %s\n", ev.RoomID)
	case call.EventServerError:
		fmt.Printf("server error: %s\n", ev.Reason)
	case call.EventConnectionLost:
		fmt.Printf("connection to %s lost: %v\n", ev.Peer.ID, ev.Err)
	}
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
