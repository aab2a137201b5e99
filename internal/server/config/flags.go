package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

var serverFlags = []string{
	"-a", "-g", "-b", "-d", "-p", "-s", "-t", "-r", "-B", "-f",
	"-i", "-P", "-S", "-R", "-E", "-u", "-k", "-T",
}

// parseFlags populates server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-g string   gRPC replication bind address
//	-b string   storage backend: memory, postgres or badger
//	-d string   PostgreSQL DSN
//	-p string   badger data directory
//	-s string   token HMAC secret key
//	-t int      issued token validity, minutes
//	-r float    accepted entries per second and namespace (0 = unlimited)
//	-B int      rate limiter burst
//	-f int      max websocket frame size, bytes
//	-i string   instance id used in replication tokens
//	-P string   comma separated replication peer addresses
//	-S string   S3 archive bucket (empty disables the archive)
//	-R string   S3 region
//	-E string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-u string   S3 access key
//	-k string   S3 secret key
//	-T string   print a session token for the namespace and exit
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], serverFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.ReplicationAddr, "g", config.ReplicationAddr, "replication gRPC address")
	fs.StringVar(&config.Backend, "b", config.Backend, "storage backend")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.BadgerPath, "p", config.BadgerPath, "badger data directory")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	tokenValidity := fs.Int("t", int(config.TokenValidityDuration.Minutes()), "token_validity_duration (in minutes)")

	fs.Float64Var(&config.RateLimit, "r", config.RateLimit, "entries per second and namespace")
	fs.IntVar(&config.RateBurst, "B", config.RateBurst, "rate limiter burst")
	fs.IntVar(&config.MaxFrameSize, "f", config.MaxFrameSize, "max frame size")
	fs.StringVar(&config.InstanceID, "i", config.InstanceID, "instance id")

	peers := fs.String("P", strings.Join(config.Peers, ","), "replication peers")

	fs.StringVar(&config.S3Bucket, "S", config.S3Bucket, "S3 archive bucket")
	fs.StringVar(&config.S3Region, "R", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "E", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "k", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.IssueToken, "T", config.IssueToken, "issue a session token for namespace")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TokenValidityDuration = time.Duration(*tokenValidity) * time.Minute
	config.Peers = flagx.SplitList(*peers)
}
