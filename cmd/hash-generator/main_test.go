package main

import (
	"bytes"
	"context"
	"regexp"
	"testing"

	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyLine  = regexp.MustCompile(`# key: (\S+)`)
	hashLine = regexp.MustCompile(`hash: "(\S+)"`)
)

func TestHashGeneratorOutputVerifies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		key  string
	}{
		{name: "given key", args: []string{"hash-generator", "--key", "correct-horse-battery-staple"}, key: "correct-horse-battery-staple"},
		{name: "generated key", args: []string{"hash-generator", "--role", "observer"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newCommand()
			cmd.Writer = &out
			require.NoError(t, cmd.Run(context.Background(), tc.args))

			key := keyLine.FindStringSubmatch(out.String())
			hash := hashLine.FindStringSubmatch(out.String())
			require.Len(t, key, 2)
			require.Len(t, hash, 2)
			if tc.key != "" {
				assert.Equal(t, tc.key, key[1])
			}

			v, err := auth.NewAPIKeyVerifier([]config.APIKeyConfig{{Principal: "p", Role: "r", Hash: hash[1]}})
			require.NoError(t, err)
			claims, err := v.Verify(key[1])
			require.NoError(t, err)
			assert.Equal(t, "p", claims.Principal)
		})
	}
}

func TestHashGeneratorRejectsShortKey(t *testing.T) {
	t.Parallel()

	cmd := newCommand()
	cmd.Writer = &bytes.Buffer{}
	assert.Error(t, cmd.Run(context.Background(), []string{"hash-generator", "--key", "short"}))
}
