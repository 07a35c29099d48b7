// Command hashtoken generates an API token and prints the Argon2id hash to
// put in API_TOKEN_HASH. With -token it hashes an existing token instead.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/comparisonguide/clicktrack/internal/auth"
)

type output struct {
	Token string `json:"token,omitempty"`
	Hash  string `json:"hash"`
}

func main() {
	var (
		token  = flag.String("token", "", "Existing token to hash (generated when empty)")
		format = flag.String("format", "plain", "Output format: plain or json")
	)
	flag.Parse()

	out, err := build(*token)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := write(out, *format); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func build(token string) (*output, error) {
	if token == "" {
		generated, err := auth.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		return &output{Token: generated.Plaintext, Hash: generated.Hash}, nil
	}

	if !auth.ValidTokenFormat(token) {
		return nil, fmt.Errorf("token must look like %s followed by 40 hex characters", auth.TokenPrefix)
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}
	return &output{Hash: hash}, nil
}

func write(out *output, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "plain":
		if out.Token != "" {
			fmt.Printf("API token (shown once): %s\n", out.Token)
		}
		fmt.Printf("API_TOKEN_HASH=%s\n", out.Hash)
		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
