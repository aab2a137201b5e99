package config

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{name: "all flags", args: []string{"cmd", "sync", "-a", "ws://h:1/sync", "-n", "notes", "-t", "tok",
			"-i", "id.json", "-d", "j.db", "-f", "1024", "-w", "5"},
			expected: &Config{ServerURL: "ws://h:1/sync", Namespace: "notes", Token: "tok",
				IdentityFile: "id.json", DatabasePath: "j.db", MaxFrameSize: 1024, SyncTimeout: 5 * time.Second}},
		{name: "subcommand arguments are left alone", args: []string{"cmd", "append", "-n", "notes", "hello", "world"},
			expected: &Config{Namespace: "notes"}},
		{name: "incorrect timeout", args: []string{"cmd", "-w", "abc"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.PanicOnError)

			os.Args = tt.args

			config := &Config{}

			if !tt.expectPanic {
				require.NotPanics(t, func() { parseFlags(config) })
				assert.Empty(t, cmp.Diff(tt.expected, config))
			} else {
				require.Panics(t, func() { parseFlags(config) })
			}
		})
	}
}
