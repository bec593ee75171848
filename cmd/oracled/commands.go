package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/milepool/milepool/pkg/api"
	"github.com/milepool/milepool/pkg/config"
	"github.com/milepool/milepool/pkg/identity"
)

// runKeygen generates an attester keypair and prints it. The private
// key goes into ATTESTER_KEY; the address is what challenge creators
// configure as the trusted attester.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	key, err := identity.GenerateKey()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(map[string]string{
			"private_key": key.Hex(),
			"address":     key.Address().Hex(),
		})
		return 0
	}
	fmt.Fprintf(stdout, "private key: %s\n", key.Hex())
	fmt.Fprintf(stdout, "address:     %s\n", key.Address().Hex())
	return 0
}

// runProfiles validates every challenge profile in the profiles
// directory and lists what serve would seed.
func runProfiles(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("profiles", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "profiles directory (default from PROFILES_DIR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	profilesDir := *dir
	if profilesDir == "" {
		profilesDir = config.Load().ProfilesDir
	}

	profiles, err := config.LoadAllProfiles(profilesDir)
	if err != nil {
		fmt.Fprintf(stderr, "profile validation failed: %v\n", err)
		return 1
	}
	if len(profiles) == 0 {
		fmt.Fprintf(stdout, "no profiles in %s\n", profilesDir)
		return 0
	}
	for code, p := range profiles {
		fmt.Fprintf(stdout, "%s: %q stake=%d lead=%s duration=%s eligible=%d\n",
			code, p.Name, p.StakeAmount, p.LeadTime, p.Duration, len(p.Eligible))
	}
	return 0
}

// runRebuildMirror asks a running daemon to replay the ledger into the
// display mirror. It signs a short-lived admin token with the daemon's
// JWT_SECRET, so it must run with the same environment as serve.
func runRebuildMirror(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rebuild-mirror", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "admin endpoint (default http://localhost:$PORT/api/v1/admin/rebuild-mirror)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		fmt.Fprintln(stderr, "JWT_SECRET is not set")
		return 1
	}

	target := *url
	if target == "" {
		target = "http://localhost:" + cfg.Port + "/api/v1/admin/rebuild-mirror"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, api.AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "oracled-cli",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: "admin",
	})
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		fmt.Fprintf(stderr, "token signing failed: %v\n", err)
		return 1
	}

	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		fmt.Fprintf(stderr, "bad url: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+signed)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "rebuild failed: %s\n", resp.Status)
		_, _ = io.Copy(stderr, resp.Body)
		return 1
	}
	fmt.Fprintln(stdout, "mirror rebuilt")
	return 0
}

// runHealth probes a running daemon.
func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "health endpoint (default http://localhost:$PORT/health)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	target := *url
	if target == "" {
		target = "http://localhost:" + config.Load().Port + "/health"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(target)
	if err != nil {
		fmt.Fprintf(stderr, "unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "unhealthy: %s\n", resp.Status)
		return 1
	}
	_, _ = io.Copy(stdout, resp.Body)
	fmt.Fprintln(stdout)
	return 0
}
