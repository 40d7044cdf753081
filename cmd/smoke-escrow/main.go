// Command smoke-escrow runs an end-to-end check against a running API:
// deploy a token, open an activity with a permit-funded deposit, wait out
// the window, distribute, and verify the split adds up.
package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/permit"
)

func main() {
	base := os.Getenv("CLUBFUND_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	adminToken := os.Getenv("CLUBFUND_ADMIN_TOKEN")
	if adminToken == "" {
		log.Fatal("CLUBFUND_ADMIN_TOKEN is required")
	}
	distToken := os.Getenv("CLUBFUND_DISTRIBUTOR_TOKEN")
	if distToken == "" {
		distToken = adminToken
	}
	escrowAddr, err := addr.Parse(os.Getenv("CLUBFUND_ESCROW_ADDR"))
	if err != nil {
		log.Fatalf("CLUBFUND_ESCROW_ADDR: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Fatalf("keygen: %v", err)
	}
	owner := addr.FromPublicKey(pub)

	var deployed struct {
		Token string `json:"token"`
	}
	status, err := call(client, http.MethodPost, base+"/v1/tokens", adminToken, map[string]any{
		"owner":  owner.String(),
		"name":   "Smoke Token",
		"symbol": "SMK",
	}, &deployed)
	if err != nil {
		log.Fatalf("deploy token: %v", err)
	}
	if status != http.StatusCreated {
		log.Fatalf("deploy token: status %d", status)
	}
	tokenAddr, err := addr.Parse(deployed.Token)
	if err != nil {
		log.Fatalf("deploy token: bad address %q", deployed.Token)
	}

	now := time.Now().Unix()
	const deposit = 1_000_000
	p := permit.Sign(priv, tokenAddr, escrowAddr, deposit, now+300, 0)

	var act struct {
		ID          uint64 `json:"id"`
		TotalAmount uint64 `json:"total_amount"`
	}
	status, err = call(client, http.MethodPost, base+"/v1/activities", "", map[string]any{
		"owner":      owner.String(),
		"token":      tokenAddr.String(),
		"start_time": now,
		"end_time":   now + 2,
		"permit":     p,
	}, &act)
	if err != nil {
		log.Fatalf("create activity: %v", err)
	}
	if status != http.StatusCreated || act.TotalAmount != deposit {
		log.Fatalf("create activity: status %d total %d", status, act.TotalAmount)
	}

	// Let the window close.
	time.Sleep(3 * time.Second)

	var res struct {
		FeeAmount         uint64 `json:"fee_amount"`
		DistributedAmount uint64 `json:"distributed_amount"`
		RefundedAmount    uint64 `json:"refunded_amount"`
	}
	status, err = call(client, http.MethodPost,
		fmt.Sprintf("%s/v1/activities/%d/distribute", base, act.ID), distToken,
		map[string]any{"amount": deposit}, &res)
	if err != nil {
		log.Fatalf("distribute: %v", err)
	}
	if status != http.StatusOK {
		log.Fatalf("distribute: status %d", status)
	}
	if res.FeeAmount+res.DistributedAmount+res.RefundedAmount != deposit {
		log.Fatalf("conservation failed: fee=%d dist=%d refund=%d",
			res.FeeAmount, res.DistributedAmount, res.RefundedAmount)
	}
	if res.FeeAmount != deposit*30/10_000 {
		log.Fatalf("unexpected fee: %d", res.FeeAmount)
	}

	fmt.Printf("✅ escrow smoke test passed: activity=%d token=%s\n", act.ID, tokenAddr)
}

func call(client *http.Client, method, url, bearer string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w (%s)", url, err, data)
		}
	}
	return resp.StatusCode, nil
}
