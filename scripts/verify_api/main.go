package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
)

// verify_api registers (or reuses) a test user, logs in and calls every
// read endpoint, printing what comes back.
func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	username := flag.String("user", "testuser", "username to register")
	password := flag.String("password", "test-password", "password")
	flag.Parse()
	email := *username + "@example.com"

	resp := post(*apiAddr+"/api/auth/register", map[string]string{
		"username": *username, "email": email, "password": *password,
	})
	log.Printf("Register: %s", resp.Status)
	resp.Body.Close()

	resp = post(*apiAddr+"/api/auth/login", map[string]string{"email": email, "password": *password})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("Login failed: %s %s", resp.Status, body)
	}
	var login struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Token: %s...\n", login.AccessToken[:10])

	for _, path := range []string{
		"/api/config",
		"/api/users",
		"/api/users/" + login.User.ID,
		"/api/messages",
		"/api/conversations",
		"/api/presence",
	} {
		req, _ := http.NewRequest(http.MethodGet, *apiAddr+path, nil)
		req.Header.Add("Authorization", "Bearer "+login.AccessToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatalf("%s failed: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		log.Printf("%s -> %s %s", path, resp.Status, body)
	}
}

func post(url string, body any) *http.Response {
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(raw))
	if err != nil {
		log.Fatal(err)
	}
	return resp
}
