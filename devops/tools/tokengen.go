package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// tokengen mints HS256 bearer tokens accepted by relayd's write endpoints.
// Intended for CI bootstrap and local testing; the secret must match
// RELAY_AUTH_SECRET on the daemon.

// b64u is base64url no padding
func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	secret := flag.String("secret", os.Getenv("RELAY_AUTH_SECRET"), "HMAC secret (env RELAY_AUTH_SECRET)")
	sub := flag.String("sub", "ci-bot", "token subject")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	out := flag.String("out", "", "write token to file instead of stdout")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -secret or RELAY_AUTH_SECRET required")
		os.Exit(2)
	}

	header := map[string]interface{}{"alg": "HS256", "typ": "JWT"}
	now := time.Now().Unix()
	payload := map[string]interface{}{
		"sub": *sub,
		"iat": now,
		"exp": now + int64(*expSecs),
	}

	hb, err := json.Marshal(header)
	must(err)
	pb, err := json.Marshal(payload)
	must(err)

	signingInput := b64u(hb) + "." + b64u(pb)
	mac := hmac.New(sha256.New, []byte(*secret))
	mac.Write([]byte(signingInput))
	token := signingInput + "." + b64u(mac.Sum(nil))

	if *out != "" {
		must(os.WriteFile(*out, []byte(token+"\n"), 0o600))
		fmt.Printf("wrote token -> %s (sub=%s exp=%ds)\n", *out, *sub, *expSecs)
		return
	}
	fmt.Println(token)
}
