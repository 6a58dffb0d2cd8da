// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/classpeer/classpeer/internal/app"
	"github.com/classpeer/classpeer/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("classpeer v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: classpeer serve <node-directory>")
			os.Exit(1)
		}
		runCommand(args[1], func(ctx context.Context, opt app.Options) error {
			return app.RunServe(ctx, opt)
		})

	case "join":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: join command requires directory path and room id")
			fmt.Fprintln(os.Stderr, "Usage: classpeer join <node-directory> <room-id>")
			os.Exit(1)
		}
		roomID := args[2]
		runCommand(args[1], func(ctx context.Context, opt app.Options) error {
			return app.RunJoin(ctx, opt, roomID)
		})

	case "chat":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: chat command requires directory path and course id")
			fmt.Fprintln(os.Stderr, "Usage: classpeer chat <node-directory> <course-id>")
			os.Exit(1)
		}
		courseID := args[2]
		runCommand(args[1], func(ctx context.Context, opt app.Options) error {
			return app.RunChat(ctx, opt, courseID)
		})

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCommand(nodeDirArg string, run func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(nodeDirArg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create node directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "classpeer.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, app.Options{
		NodeDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("classpeer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("classpeer - peer-to-peer calls and chat for courses")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  classpeer serve <directory>           Host the shared document store")
	fmt.Println("  classpeer join <directory> <room>     Join a video call room")
	fmt.Println("  classpeer chat <directory> <course>   Open a course chat channel")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <directory>")
	fmt.Println("        Run the document store server from the specified node directory")
	fmt.Println("        Documents persist to SQLite when store.db_path is set")
	fmt.Println()
	fmt.Println("  join <directory> <room>")
	fmt.Println("        Join the given call room using the identity and store URL")
	fmt.Println("        from the directory's classpeer.json")
	fmt.Println()
	fmt.Println("  chat <directory> <course>")
	fmt.Println("        Open the course chat; stdin lines are sent, /read marks read,")
	fmt.Println("        /quit exits")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Host a store")
	fmt.Println("  classpeer serve ./nodes/store")
	fmt.Println()
	fmt.Println("  # Join a call")
	fmt.Println("  classpeer join ./nodes/alice algebra-101")
}

func printBanner(nodeDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    classpeer node                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Node Directory: %s\n", nodeDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	if cfg.Store.URL != "" {
		fmt.Printf("Store URL:      %s\n", cfg.Store.URL)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
