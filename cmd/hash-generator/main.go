// Command hash-generator prints the bcrypt hash of an API key in the form
// expected under auth.api_keys. Without --key a random key is generated.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/phrazzld/casework/internal/service/auth"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "hash-generator",
		Usage: "Hash an API key for the casework config",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Usage: "Key to hash (generated when empty)"},
			&cli.StringFlag{Name: "principal", Usage: "Principal the key authenticates as", Value: "automation"},
			&cli.StringFlag{Name: "role", Usage: "Role granted to the key", Value: "investigator"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			key := cmd.String("key")
			if key == "" {
				var err error
				if key, err = randomKey(); err != nil {
					return err
				}
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}
			w := cmd.Writer
			if w == nil {
				w = os.Stdout
			}
			printEntry(w, key, cmd.String("principal"), cmd.String("role"), hash)
			return nil
		},
	}
}

func randomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return "cw_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func printEntry(w io.Writer, key, principal, role, hash string) {
	fmt.Fprintf(w, "# key: %s\n", key)
	fmt.Fprintf(w, "auth:\n  api_keys:\n    - principal: %s\n      role: %s\n      hash: %q\n", principal, role, hash)
}
