// Package app wires configuration, the document store and the call/chat
// managers into the three run modes of the node: serve, join and chat.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/classpeer/classpeer/internal/call"
	"github.com/classpeer/classpeer/internal/chat"
	"github.com/classpeer/classpeer/internal/config"
	"github.com/classpeer/classpeer/internal/docstore"
	"github.com/classpeer/classpeer/internal/room"
	"github.com/classpeer/classpeer/internal/util"
)

type Options struct {
	NodeDir string
	CfgPath string
	Cfg     config.Config
}

// RunServe hosts the document store: a websocket endpoint backed by SQLite
// when store.db_path is set, in-memory otherwise. Blocks until ctx is done.
func RunServe(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner(opt.NodeDir, opt.CfgPath)

	var db *docstore.DB
	if cfg.Store.DBPath != "" {
		dbPath := util.ResolvePath(opt.NodeDir, cfg.Store.DBPath)
		var err error
		db, err = docstore.OpenDB(dbPath)
		if err != nil {
			return fmt.Errorf("open store db: %w", err)
		}
		defer db.Close()
		log.Printf("STORE: persisting to %s", dbPath)
	} else {
		log.Printf("STORE: in-memory only, documents are lost on restart")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Store.ServeBind, cfg.Store.ServePort)
	srv, err := docstore.NewServer(addr, db)
	if err != nil {
		return fmt.Errorf("store server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("store server: %w", err)
	}
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("🗄  Document store: %s", srv.URL())
	log.Println("────────────────────────────────────────────────────────")

	<-ctx.Done()
	srv.Close()
	log.Println("STORE: shut down")
	return nil
}

// RunJoin joins a video call room and stays in it until ctx is done or the
// session fails. Peer and track events are logged as they happen.
func RunJoin(ctx context.Context, opt Options, roomID string) error {
	cfg := opt.Cfg
	logBanner(opt.NodeDir, opt.CfgPath)

	selfID, err := util.ValidateParticipantID(cfg.Identity.ParticipantID)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if strings.TrimSpace(cfg.Store.URL) == "" {
		return errors.New("store.url is required for join mode")
	}

	client, err := docstore.Dial(ctx, cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("dial store: %w", err)
	}
	defer client.Close()

	adapter := room.NewAdapter(client, cfg.Store.PathPrefix)
	session := call.NewSession(call.SessionConfig{
		SelfID:  selfID,
		Adapter: adapter,
		Media: call.NativeMedia(roomID, call.MediaOptions{
			STUNServers:  cfg.Call.STUNServers,
			VideoBitRate: cfg.Call.VideoBitRate,
			DisableVideo: cfg.Call.DisableVideo,
		}),
	})

	// A dropped store connection kills the subscription; the session cannot
	// see membership changes any more, so it ends.
	client.OnDisconnect(func(err error) {
		session.Fail(&call.SubscriptionError{Err: err})
	})

	events, cancelEvents := session.Subscribe()
	defer cancelEvents()

	if err := session.Join(ctx, roomID); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	defer session.Leave()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case call.EventPeerJoined:
				log.Printf("CALL [%s]: 🤝 peer %s", roomID, ev.PeerID)
			case call.EventPeerLeft:
				if ev.Err != nil {
					log.Printf("CALL [%s]: 👋 peer %s gone: %v", roomID, ev.PeerID, ev.Err)
				} else {
					log.Printf("CALL [%s]: 👋 peer %s gone", roomID, ev.PeerID)
				}
			case call.EventRemoteTrack:
				log.Printf("CALL [%s]: 🎬 %s track from %s", roomID, ev.Track.Kind(), ev.PeerID)
			case call.EventSessionErr:
				return fmt.Errorf("session: %w", ev.Err)
			}
		}
	}
}

// RunChat opens a course chat channel: incoming messages print to the log,
// stdin lines are sent. "/read" advances the read cursor, "/quit" exits.
func RunChat(ctx context.Context, opt Options, courseID string) error {
	cfg := opt.Cfg
	logBanner(opt.NodeDir, opt.CfgPath)

	selfID, err := util.ValidateParticipantID(cfg.Identity.ParticipantID)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if strings.TrimSpace(cfg.Store.URL) == "" {
		return errors.New("store.url is required for chat mode")
	}

	client, err := docstore.Dial(ctx, cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("dial store: %w", err)
	}
	defer client.Close()

	name := cfg.Identity.DisplayName
	if name == "" {
		name = selfID
	}
	mgr := chat.NewManager(client, selfID, name, cfg.Chat.HistorySize)
	defer mgr.Close()

	incoming, cancelIncoming := mgr.Subscribe()
	defer cancelIncoming()

	if err := mgr.Open(ctx, courseID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			log.Printf("CHAT [%s]: <%s> %s", courseID, msg.Name, msg.Content)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/read":
				if err := mgr.MarkRead(ctx); err != nil {
					log.Printf("CHAT [%s]: %v", courseID, err)
				}
			default:
				if err := mgr.Send(ctx, line); err != nil {
					log.Printf("CHAT [%s]: %v", courseID, err)
				}
			}
		}
	}
}

func logBanner(nodeDir, cfgPath string) {
	log.Println("════════════════════════════════════════════════════════")
	log.Printf("  classpeer node dir: %s", nodeDir)
	log.Printf("  config:             %s", cfgPath)
	log.Println("════════════════════════════════════════════════════════")
}
