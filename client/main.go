package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/pion/webrtc/v4"
)

type loginResponse struct {
	User        model.User `json:"user"`
	AccessToken string     `json:"accessToken"`
}

type clientConfig struct {
	TURNServers []webrtc.ICEServer `json:"turnServers"`
}

func login(apiAddr, email, password string) (*loginResponse, error) {
	reqBody, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := http.Post(apiAddr+"/api/auth/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("login failed: %s", string(body))
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// iceServers returns the TURN servers the api advertises plus a public STUN server.
func iceServers(apiAddr string) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	resp, err := http.Get(apiAddr + "/api/config")
	if err != nil {
		log.Printf("config: %v", err)
		return servers
	}
	defer resp.Body.Close()
	var cfg clientConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		log.Printf("config: %v", err)
		return servers
	}
	return append(servers, cfg.TURNServers...)
}

// conn serializes writes: the stdin loop and pion callbacks both send.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) emit(event model.EventType, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(model.NewEnvelope(event, payload)); err != nil {
		log.Println("write:", err)
	}
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	to := flag.String("to", "", "user id to message and call")
	flag.Parse()

	// 1. Login to get token
	log.Printf("Logging in as %s...", *email)
	session, err := login(*apiAddr, *email, *password)
	if err != nil {
		log.Fatal("Login failed:", err)
	}
	me := session.User.Identity()
	log.Printf("Logged in as %s (%s)", me.Username, me.ID)

	// 2. Connect to WebSocket with token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+session.AccessToken)
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer ws.Close()

	c := &conn{ws: ws}
	calls := newCallManager(c, iceServers(*apiAddr))
	defer calls.hangup()

	done := make(chan struct{})

	// 3. Read events
	go func() {
		defer close(done)
		for {
			var env model.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				log.Println("read:", err)
				return
			}
			handleEvent(env, calls)
			fmt.Print("> ")
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read commands and messages from stdin
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			switch {
			case text == "":
			case text == "/quit":
				interrupt <- os.Interrupt
				return
			case strings.HasPrefix(text, "/to "):
				*to = strings.TrimSpace(strings.TrimPrefix(text, "/to "))
			case text == "/call":
				calls.call(*to)
			case text == "/answer":
				calls.answer()
			case text == "/reject":
				calls.reject()
			case text == "/hangup":
				calls.hangup()
			default:
				if *to == "" {
					fmt.Println("set a recipient with /to <userId>")
					break
				}
				c.emit(model.EventPrivateMessage, model.PrivateMessage{ReceiverID: *to, Content: text})
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		log.Println("interrupt")
		c.mu.Lock()
		err := ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		if err != nil {
			log.Println("write close:", err)
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func handleEvent(env model.Envelope, calls *callManager) {
	switch env.Event {
	case model.EventUserOnline:
		var p model.UserOnline
		json.Unmarshal(env.Data, &p)
		fmt.Printf("\r* %s (%s) is online\n", p.Username, p.UserID)
	case model.EventUserOffline:
		var p model.UserOffline
		json.Unmarshal(env.Data, &p)
		fmt.Printf("\r* %s went offline\n", p.UserID)
	case model.EventReceiveMessage:
		var p model.ReceiveMessage
		json.Unmarshal(env.Data, &p)
		fmt.Printf("\r%s: %s\n", p.Sender.Username, p.Content)
	case model.EventMessageSent:
		var p model.MessageSent
		json.Unmarshal(env.Data, &p)
		fmt.Printf("\r  (sent %s)\n", p.ID)
	case model.EventMessageError:
		var p model.MessageError
		json.Unmarshal(env.Data, &p)
		fmt.Printf("\r! %s\n", p.Error)
	case model.EventIncomingCall:
		var p model.IncomingCall
		json.Unmarshal(env.Data, &p)
		calls.incoming(p)
	case model.EventCallAnswered:
		var p model.CallAnswered
		json.Unmarshal(env.Data, &p)
		calls.answered(p)
	case model.EventICECandidate:
		var p model.ForwardedCandidate
		json.Unmarshal(env.Data, &p)
		calls.candidate(p)
	case model.EventCallRejected:
		var p model.CallRejected
		json.Unmarshal(env.Data, &p)
		fmt.Printf("\r* call %s rejected: %s\n", p.CallID, p.Reason)
		calls.closeCall(p.CallID)
	case model.EventCallEnded:
		var p model.CallEnded
		json.Unmarshal(env.Data, &p)
		fmt.Printf("\r* call %s ended\n", p.CallID)
		calls.closeCall(p.CallID)
	default:
		log.Printf("unknown event %s", env.Event)
	}
}
