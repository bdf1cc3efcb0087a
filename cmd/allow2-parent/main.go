// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// allow2-parent is the parent-side companion tool. It generates the
// grant signing keypair, mints signed grant tokens for QR delivery,
// and computes voice approval codes for requests read over the phone.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/allow2/engine/lib/config"
	"github.com/allow2/engine/lib/crypto"
	"github.com/allow2/engine/lib/grant"
	"github.com/allow2/engine/lib/secret"
	"github.com/allow2/engine/lib/version"
	"github.com/allow2/engine/lib/voicecode"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "keygen":
		return runKeygen(os.Args[2:])
	case "grant":
		return runGrant(os.Args[2:])
	case "approve":
		return runApprove(os.Args[2:])
	case "verify":
		return runVerify(os.Args[2:])
	case "version":
		fmt.Printf("allow2-parent %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: allow2-parent <subcommand> [flags]

Subcommands:
  keygen      Generate the grant signing keypair
  grant       Mint a signed grant token (encode it as a QR yourself)
  approve     Compute the voice approval code for request codes
  verify      Parse and verify a grant token (debugging)
  version     Print version information

Run 'allow2-parent <subcommand> --help' for subcommand flags.
`)
}

// keysDirOrConfig resolves the key directory: the --keys value if set,
// otherwise paths.keys from the config file (--config or ALLOW2_CONFIG).
func keysDirOrConfig(keysFlag, configFlag string) (string, error) {
	if keysFlag != "" {
		return keysFlag, nil
	}
	var cfg *config.Config
	var err error
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return "", fmt.Errorf("--keys not given and no config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	return cfg.Paths.Keys, nil
}

// runKeygen generates the Ed25519 signing keypair. The seed and
// public key are written under --keys; the public key is also printed
// to stdout for embedding in child devices.
func runKeygen(args []string) error {
	flags := pflag.NewFlagSet("keygen", pflag.ExitOnError)
	keysFlag := flags.String("keys", "", "directory to write the keypair to (default: paths.keys from config)")
	configFlag := flags.String("config", "", "path to the config file (default: ALLOW2_CONFIG)")
	flags.Parse(args)

	keysDir, err := keysDirOrConfig(*keysFlag, *configFlag)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer pair.Close()

	if err := crypto.SaveKeyPair(keysDir, pair); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Keypair written to %s\n", keysDir)
	fmt.Fprintf(os.Stdout, "%s\n", base64.StdEncoding.EncodeToString(pair.Public))
	return nil
}

// runGrant mints a signed grant token.
func runGrant(args []string) error {
	flags := pflag.NewFlagSet("grant", pflag.ExitOnError)
	var (
		keysFlag   = flags.String("keys", "", "directory holding the signing keypair (default: paths.keys from config)")
		configFlag = flags.String("config", "", "path to the config file (default: ALLOW2_CONFIG)")
		keyID      = flags.String("key-id", "parent", "key identifier placed in the token header")
		grantType  = flags.String("type", "extension", "grant type: extension, quota, earlier, lift_ban")
		childID    = flags.Uint64("child", 0, "child identifier (required)")
		activityID = flags.Int("activity", 1, "activity identifier")
		minutes    = flags.Int("minutes", 30, "minutes to grant (ignored for lift_ban)")
		deviceID   = flags.String("device", "", "restrict the token to one device (optional)")
		validity   = flags.Duration("valid", time.Hour, "how long the token stays redeemable")
	)
	flags.Parse(args)

	if *childID == 0 {
		flags.Usage()
		return fmt.Errorf("--child is required")
	}

	keysDir, err := keysDirOrConfig(*keysFlag, *configFlag)
	if err != nil {
		return err
	}

	pair, err := crypto.LoadKeyPair(keysDir)
	if err != nil {
		return err
	}
	defer pair.Close()

	now := time.Now().UTC().Truncate(time.Second)
	g := &grant.Grant{
		Type:       grant.Type(*grantType),
		ChildID:    *childID,
		ActivityID: *activityID,
		Minutes:    *minutes,
		IssuedAt:   now,
		ExpiresAt:  now.Add(*validity),
		Nonce:      uuid.NewString(),
		DeviceID:   *deviceID,
	}
	if g.Type == grant.TypeLiftBan {
		g.Minutes = 0
	}

	token, err := grant.Generate(g, pair.Seed.Bytes(), *keyID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Grant: type=%s child=%d activity=%d minutes=%d expires=%s\n",
		g.Type, g.ChildID, g.ActivityID, g.Minutes, g.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "%s\n", token)
	return nil
}

// runApprove computes the voice approval code for one or more request
// codes the child read out. Multiple codes are approved as a set and
// must be entered together on the device.
func runApprove(args []string) error {
	flags := pflag.NewFlagSet("approve", pflag.ExitOnError)
	keyFile := flags.String("key-file", "", "file holding the shared voice key (required)")
	flags.Parse(args)

	codes := flags.Args()
	if *keyFile == "" || len(codes) == 0 {
		flags.Usage()
		return fmt.Errorf("--key-file and at least one request code are required")
	}

	key, err := secret.ReadFile(*keyFile)
	if err != nil {
		return err
	}
	defer key.Close()

	for _, code := range codes {
		request, err := voicecode.ParseRequest(code)
		if err != nil {
			return fmt.Errorf("request code %q: %w", code, err)
		}
		if request.Continuation || request.Reserved {
			continue
		}
		fmt.Fprintf(os.Stderr, "Request %s: type=%d activity=%d minutes=%d\n",
			code, request.Type, request.ActivityID, request.Minutes)
	}

	approval, err := voicecode.GenerateApproval(key.Bytes(), codes)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Approval code (valid ~%d seconds):\n", voicecode.BucketSeconds)
	fmt.Fprintf(os.Stdout, "%s\n", approval)
	return nil
}

// runVerify parses and verifies a token against a public key. Useful
// for checking a token before handing it to a child device.
func runVerify(args []string) error {
	flags := pflag.NewFlagSet("verify", pflag.ExitOnError)
	var (
		keysDir   = flags.String("keys", "", "directory holding the keypair")
		publicB64 = flags.String("public-key", "", "base64 public key (alternative to --keys)")
	)
	flags.Parse(args)

	if flags.NArg() != 1 {
		flags.Usage()
		return fmt.Errorf("exactly one token argument is required")
	}
	token := flags.Arg(0)

	var public []byte
	switch {
	case *publicB64 != "":
		decoded, err := base64.StdEncoding.DecodeString(*publicB64)
		if err != nil {
			return fmt.Errorf("decoding public key: %w", err)
		}
		public = decoded
	case *keysDir != "":
		pair, err := crypto.LoadKeyPair(*keysDir)
		if err != nil {
			return err
		}
		pair.Close()
		public = pair.Public
	default:
		flags.Usage()
		return fmt.Errorf("--keys or --public-key is required")
	}

	g, err := grant.ParseAndVerify(token, public)
	if err != nil {
		return err
	}

	fmt.Printf("Type:     %s\n", g.Type)
	fmt.Printf("Child:    %d\n", g.ChildID)
	fmt.Printf("Activity: %d\n", g.ActivityID)
	fmt.Printf("Minutes:  %d\n", g.Minutes)
	fmt.Printf("Issued:   %s\n", g.IssuedAt.Format(time.RFC3339))
	fmt.Printf("Expires:  %s\n", g.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("Nonce:    %s\n", g.Nonce)
	if g.DeviceID != "" {
		fmt.Printf("Device:   %s\n", g.DeviceID)
	}
	fmt.Printf("Key ID:   %s\n", g.KeyID)
	return nil
}
