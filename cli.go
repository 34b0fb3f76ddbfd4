package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"voicesfu/internal/token"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main() knows not to fall through to starting the server.
// Unlike the teacher's CLI, there is no persistent store to report on
// (§1 Non-goals); the subcommands here are stateless token diagnostics.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("voicesfu %s\n", Version)
		return true
	case "mint-token":
		return cliMintToken(args[1:])
	case "verify-token":
		return cliVerifyToken(args[1:])
	default:
		return false
	}
}

func cliMintToken(args []string) bool {
	fs := flag.NewFlagSet("mint-token", flag.ExitOnError)
	roomID := fs.String("room", "", "roomId to bind the token to (required)")
	peerID := fs.String("peer", "", "peerId to bind the token to (required)")
	sessionID := fs.String("session", "", "sessionId to bind (optional)")
	ttl := fs.Duration("ttl", time.Minute, "token validity window")
	secret := fs.String("secret", envOr("SFU_TOKEN_SECRET", devTokenSecret), "HMAC signing secret")
	_ = fs.Parse(args)

	if *roomID == "" || *peerID == "" {
		fmt.Fprintln(os.Stderr, "error: -room and -peer are required")
		os.Exit(1)
	}

	codec := token.NewCodec(*secret)
	now := time.Now()
	payload := token.Payload{
		RoomID:    *roomID,
		PeerID:    *peerID,
		SessionID: *sessionID,
		JTI:       fmt.Sprintf("cli-%d", now.UnixNano()),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(*ttl).Unix(),
	}

	tok, err := codec.Sign(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error signing token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
	return true
}

func cliVerifyToken(args []string) bool {
	fs := flag.NewFlagSet("verify-token", flag.ExitOnError)
	tok := fs.String("token", "", "token string to verify (required)")
	secret := fs.String("secret", envOr("SFU_TOKEN_SECRET", devTokenSecret), "HMAC signing secret")
	_ = fs.Parse(args)

	if *tok == "" {
		fmt.Fprintln(os.Stderr, "error: -token is required")
		os.Exit(1)
	}

	// The CLI verifies without consuming the jti: minting/inspecting a
	// token from the command line should not burn its single use against a
	// live server's nonce table (they do not share process state anyway).
	codec := token.NewCodec(*secret)
	payload, err := codec.Verify(*tok, token.VerifyOptions{ConsumeJTI: false})
	if err != nil {
		kind, _ := token.AsFailure(err)
		fmt.Printf("invalid: %s\n", kind)
		os.Exit(1)
	}

	fmt.Printf("valid\n")
	fmt.Printf("roomId:    %s\n", payload.RoomID)
	fmt.Printf("peerId:    %s\n", payload.PeerID)
	fmt.Printf("sessionId: %s\n", payload.SessionID)
	fmt.Printf("jti:       %s\n", payload.JTI)
	fmt.Printf("iat:       %s\n", time.Unix(payload.IssuedAt, 0).UTC())
	fmt.Printf("exp:       %s\n", time.Unix(payload.ExpiresAt, 0).UTC())
	return true
}
