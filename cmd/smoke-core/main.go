package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// Smoke test against a running API: signup, buy the training package,
// generate keypasses, claim one and verify it cannot be claimed twice.
func main() {
	base := os.Getenv("FRAUDSIGHT_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	run := rand.New(rand.NewSource(time.Now().UnixNano())).Int()

	email := fmt.Sprintf("smoke-%d@fraudsight.io", run)
	signup := call(client, http.MethodPost, base+"/v1/auth/signup", "", map[string]any{
		"email":             email,
		"password":          "smoke-test-pass",
		"name":              "Smoke",
		"organisation_name": fmt.Sprintf("Smoke Org %d", run),
	}, http.StatusCreated)
	token := signup["access_token"].(string)

	purchase := call(client, http.MethodPost, base+"/v1/purchases", token, map[string]any{
		"package_id": "training",
	}, http.StatusCreated)
	purchaseID := purchase["id"].(string)

	confirmed := call(client, http.MethodPost, base+"/v1/purchases/"+purchaseID+"/confirm", token, nil, http.StatusOK)
	if confirmed["status"] != "succeeded" {
		log.Fatalf("purchase status = %v, want succeeded", confirmed["status"])
	}

	generated := call(client, http.MethodPost, base+"/v1/keypasses", token, map[string]any{
		"count": 3,
	}, http.StatusCreated)
	items := generated["items"].([]any)
	if len(items) != 3 {
		log.Fatalf("generated %d keypasses, want 3", len(items))
	}
	code := items[0].(map[string]any)["code"].(string)

	validated := call(client, http.MethodGet, base+"/v1/keypasses/"+code+"/validate", "", nil, http.StatusOK)
	if validated["status"] != "available" {
		log.Fatalf("keypass status = %v, want available", validated["status"])
	}

	claim := call(client, http.MethodPost, base+"/v1/keypasses/claim", "", map[string]any{
		"code":  code,
		"email": fmt.Sprintf("smoke-hire-%d@fraudsight.io", run),
		"name":  "Smoke Hire",
	}, http.StatusOK)
	if claim["user"].(map[string]any)["role"] != "employee" {
		log.Fatalf("claimed role = %v, want employee", claim["user"].(map[string]any)["role"])
	}

	call(client, http.MethodPost, base+"/v1/keypasses/claim", "", map[string]any{
		"code": code,
	}, http.StatusConflict)

	fmt.Printf("✅ core smoke test passed: org onboarded, keypass %s single-use verified\n", code)
}

func call(client *http.Client, method, url, token string, body any, wantStatus int) map[string]any {
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s %s: %v", method, url, err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		log.Fatalf("new request %s %s: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d (body %v)", method, url, resp.StatusCode, wantStatus, decoded)
	}
	return decoded
}
