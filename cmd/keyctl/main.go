package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/dto"

	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "publish":
		err = runPublish(args)
	case "bundle":
		err = runBundle(args)
	case "status":
		err = runStatus(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  publish    Generate a key set and publish it for a user")
	fmt.Fprintln(os.Stderr, "  bundle     Fetch a pre-key bundle for a user")
	fmt.Fprintln(os.Stderr, "  status     Show remaining key material for a user")
	os.Exit(2)
}

func runPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8083"), "key service base URL")
	userID := fs.String("user", "", "user UUID (optional; generated if empty)")
	count := fs.Int("count", 10, "number of one-time pre-keys to generate")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 0 {
		return fmt.Errorf("count must be non-negative")
	}
	if strings.TrimSpace(*userID) == "" {
		*userID = uuid.New().String()
	}

	identity, err := cryptocore.GenerateIdentityKeyPair()
	if err != nil {
		return err
	}
	signed, err := cryptocore.GenerateSignedPreKey(identity.SigningPrivate, 1)
	if err != nil {
		return err
	}
	oneTime, err := cryptocore.GenerateOneTimePreKeys(1, *count)
	if err != nil {
		return err
	}

	payload := dto.PublishKeysRequest{
		UserID:               *userID,
		IdentityKey:          b64(identity.DHPublic[:]),
		IdentitySignatureKey: base64.StdEncoding.EncodeToString(identity.SigningPublic),
		SignedPreKey: dto.SignedPreKey{
			KeyID:     signed.KeyID,
			PublicKey: b64(signed.Key.Public[:]),
			Signature: base64.StdEncoding.EncodeToString(signed.Signature),
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, otk := range oneTime {
		payload.OneTimePreKeys = append(payload.OneTimePreKeys, dto.OneTimePreKey{
			KeyID:     otk.KeyID,
			PublicKey: b64(otk.Key.Public[:]),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := postJSON(strings.TrimRight(*baseURL, "/")+"/keys/publish", body)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode >= 400 {
		return responseError("publish", resp)
	}

	var published dto.PublishKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&published); err != nil {
		return err
	}

	// Print the private halves too: without them the published keys are
	// unusable to the caller.
	out := struct {
		Response           dto.PublishKeysResponse `json:"response"`
		IdentityPrivateKey string                  `json:"identityPrivateKey"`
		SigningPrivateKey  string                  `json:"signingPrivateKey"`
	}{
		Response:           published,
		IdentityPrivateKey: b64(identity.DHPrivate[:]),
		SigningPrivateKey:  base64.StdEncoding.EncodeToString(identity.SigningPrivate),
	}
	return printJSON(out)
}

func runBundle(args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8083"), "key service base URL")
	userID := fs.String("user", "", "user UUID")
	requesterID := fs.String("requester", "", "requesting user UUID (optional)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*userID) == "" {
		return fmt.Errorf("user id is required")
	}

	url := fmt.Sprintf("%s/keys/bundle?user_id=%s", strings.TrimRight(*baseURL, "/"), *userID)
	if strings.TrimSpace(*requesterID) != "" {
		url += "&requester_id=" + *requesterID
	}

	var bundle dto.PreKeyBundleResponse
	if err := getJSON(url, "bundle", &bundle); err != nil {
		return err
	}
	return printJSON(bundle)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8083"), "key service base URL")
	userID := fs.String("user", "", "user UUID")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*userID) == "" {
		return fmt.Errorf("user id is required")
	}

	url := fmt.Sprintf("%s/keys/status?user_id=%s", strings.TrimRight(*baseURL, "/"), *userID)
	var status dto.KeyStatusResponse
	if err := getJSON(url, "status", &status); err != nil {
		return err
	}
	return printJSON(status)
}

func postJSON(url string, body []byte) (*http.Response, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func getJSON(url, op string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode >= 400 {
		return responseError(op, resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func responseError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	if len(data) == 0 {
		data = []byte(resp.Status)
	}
	return fmt.Errorf("%s request failed: %s", op, strings.TrimSpace(string(data)))
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", err)
	}
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
