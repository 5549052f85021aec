// cmd/chatcli/main.go
// Terminal chat client. Wires the realtime channel, the conversation
// store, the session manager and the call coordinator the same way a
// mobile client would, which makes it the reference consumer for the
// client packages.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/caresync/caresync-backend/internal/call"
	"github.com/caresync/caresync-backend/internal/realtime"
	"github.com/caresync/caresync-backend/internal/session"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "API base URL")
		wsURL     = flag.String("ws", "ws://localhost:8080/ws", "realtime endpoint URL")
		token     = flag.String("token", "", "access token")
		userID    = flag.String("user", "", "own user id, must match the token subject")
		peerID    = flag.String("peer", "", "peer to open on startup")
		stunURL   = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URL, empty to disable")
	)
	flag.Parse()

	if *token == "" || *userID == "" {
		log.Fatal("both -token and -user are required")
	}

	channel, err := realtime.DialChannel(*wsURL, *token)
	if err != nil {
		log.Fatal("connect: ", err)
	}
	defer channel.Close()

	store := session.NewHTTPStore(*serverURL, *token)
	sched := session.NewScheduler()

	tracker := session.NewPresenceTracker()
	tracker.Bind(channel)
	tracker.Subscribe(func(p session.Presence) {
		if p.Online {
			fmt.Printf("\r* %s is online\n> ", p.UserID)
		} else {
			fmt.Printf("\r* %s went offline, last seen %s\n> ", p.UserID, p.LastSeen.Format("15:04"))
		}
	})

	var manager *session.Manager
	manager = session.NewManager(*userID, channel, store, sched,
		session.WithPresenceTracker(tracker),
		session.WithOnUpdate(func(peer string) { printLatest(manager, peer, *userID) }),
	)

	var iceServers []string
	if *stunURL != "" {
		iceServers = append(iceServers, *stunURL)
	}
	coordinator := call.NewCoordinator(*userID, channel, call.NewPionFactory(iceServers), sched, manager,
		call.WithOnIncomingCall(func(peer string) {
			fmt.Printf("\r* incoming call from %s, /accept to answer or /end to decline\n> ", peer)
		}),
		call.WithOnStateChange(func(peer string, s call.State) {
			fmt.Printf("\r* call with %s: %s\n> ", peer, s)
		}),
	)

	if *peerID != "" {
		openPeer(manager, *peerID)
	}

	fmt.Println("commands: /peer <id>  /call  /accept  /end  /upload <path>  /quit")
	repl(manager, coordinator, store)
}

var printed = map[string]int{}

// printLatest shows timeline entries added since the last update callback
func printLatest(m *session.Manager, peer, selfID string) {
	if m == nil {
		return
	}
	messages := m.Messages(peer)
	for _, msg := range messages[printed[peer]:] {
		label := msg.FromUserID
		if msg.FromUserID == selfID {
			label = "me"
		}
		switch {
		case msg.MessageType == "missed_call":
			fmt.Printf("\r* missed call (%s)\n> ", label)
		case msg.MediaURL != "":
			fmt.Printf("\r[%s] %s: %s\n> ", msg.CreatedAt.Format("15:04"), label, msg.MediaURL)
		default:
			fmt.Printf("\r[%s] %s: %s\n> ", msg.CreatedAt.Format("15:04"), label, msg.Content)
		}
	}
	printed[peer] = len(messages)
}

func openPeer(m *session.Manager, peer string) {
	printed[peer] = 0
	if err := m.SelectPeer(context.Background(), peer); err != nil {
		fmt.Printf("* history unavailable (%v), showing live messages only\n", err)
	}
}

func repl(m *session.Manager, c *call.Coordinator, store session.ConversationStore) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			c.EndCall()
			return
		case strings.HasPrefix(line, "/peer "):
			openPeer(m, strings.TrimSpace(strings.TrimPrefix(line, "/peer")))
		case line == "/call":
			if peer := m.ActivePeer(); peer != "" {
				if err := c.StartCall(context.Background(), peer); err != nil {
					fmt.Println("* call failed:", err)
				}
			} else {
				fmt.Println("* select a peer first with /peer <id>")
			}
		case line == "/accept":
			if err := c.Accept(context.Background()); err != nil {
				fmt.Println("* accept failed:", err)
			}
		case line == "/end":
			c.EndCall()
		case strings.HasPrefix(line, "/upload "):
			sendFile(m, store, strings.TrimSpace(strings.TrimPrefix(line, "/upload")))
		default:
			m.OnDraftChange(line)
			if _, err := m.Send(context.Background(), line); err != nil {
				fmt.Println("* send failed, will retry on reload:", err)
			}
		}
		fmt.Print("> ")
	}
}

func sendFile(m *session.Manager, store session.ConversationStore, path string) {
	file, err := os.Open(path)
	if err != nil {
		fmt.Println("* open failed:", err)
		return
	}
	defer file.Close()

	url, err := store.UploadMedia(context.Background(), file, filepath.Base(path), mediaContentType(path))
	if err != nil {
		fmt.Println("* upload failed:", err)
		return
	}
	if _, err := m.SendMedia(context.Background(), url, mediaMessageType(path)); err != nil {
		fmt.Println("* send failed:", err)
	}
}

func mediaMessageType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp4", ".mov", ".webm":
		return "video"
	}
	return "file"
}

func mediaContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	}
	return "application/octet-stream"
}
