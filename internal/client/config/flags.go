package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

// Flags lists the short flags owned by the config loader. Command parsers
// running over the same arguments must tolerate them.
var Flags = []string{"-a", "-n", "-t", "-i", "-d", "-f", "-w"}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   sync endpoint URL
//	-n string   namespace
//	-t string   session token
//	-i string   identity file
//	-d string   journal database path
//	-f int      max frame size, bytes
//	-w int      sync timeout, seconds
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], Flags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "sync endpoint URL")
	fs.StringVar(&cfg.Namespace, "n", cfg.Namespace, "namespace")
	fs.StringVar(&cfg.Token, "t", cfg.Token, "session token")
	fs.StringVar(&cfg.IdentityFile, "i", cfg.IdentityFile, "identity file")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "journal database path")
	fs.IntVar(&cfg.MaxFrameSize, "f", cfg.MaxFrameSize, "max frame size")
	syncTimeout := fs.Int("w", int(cfg.SyncTimeout.Seconds()), "sync timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncTimeout = time.Duration(*syncTimeout) * time.Second
}
