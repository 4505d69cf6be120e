package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/crypto"
)

// runKeygenCmd implements `sonate keygen`: a fresh Ed25519 key sealed under
// the passphrase in SONATE_KEY_PASSPHRASE and written to the key directory.
//
// Exit codes:
//
//	0 = key written
//	2 = bad arguments or write failure
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		keyID      string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", "keys", "Key directory")
	cmd.StringVar(&keyID, "id", "", "Key ID (default: key-<UTC timestamp>)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	pass := os.Getenv(passphraseEnv)
	if pass == "" {
		fmt.Fprintf(stderr, "Error: %s must be set\n", passphraseEnv)
		return 2
	}
	if keyID == "" {
		keyID = "key-" + time.Now().UTC().Format("20060102T150405Z")
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	sealed, err := crypto.Seal(keyID, kp, []byte(pass))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ring := crypto.NewKeyRing()
	ring.AddKey(sealed)
	if err := ring.SaveDir(dir); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, map[string]any{
			"key_id":     keyID,
			"public_key": kp.PublicKeyHex(),
			"dir":        dir,
		})
	} else {
		fmt.Fprintf(stdout, "%s✓%s Key %s written to %s\n", ColorGreen, ColorReset, keyID, dir)
		fmt.Fprintf(stdout, "  Public key: %s\n", kp.PublicKeyHex())
	}
	return 0
}
