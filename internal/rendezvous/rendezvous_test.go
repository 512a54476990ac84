package rendezvous

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minilink-dev/minilink/internal/model"
)

// startServer runs a rendezvous server over httptest and returns its
// websocket URL.
func startServer(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(NewServer(model.NewTestLogger()))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func joinLobby(t *testing.T, url, lobby string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Join(ctx, model.NewTestLogger(), url, lobby)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func awaitMessage(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case msg := <-client.Receive():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message in time")
		return Message{}
	}
}

func Test_Rendezvous_pairsTwoClients(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	url := startServer(t)

	alice := joinLobby(t, url, "lobby-1")
	bob := joinLobby(t, url, "lobby-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peerOfAlice, err := alice.AwaitPeer(ctx)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	peerOfBob, err := bob.AwaitPeer(ctx)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if peerOfAlice != bob.Self() || peerOfBob != alice.Self() {
		t.Fatal("peers learned the wrong ids")
	}

	if err := alice.Send(OpOffer, "sdp-offer"); err != nil {
		t.Fatal("unexpected error", err)
	}
	msg := awaitMessage(t, bob)
	if msg.Op != OpOffer || msg.From != alice.Self() || msg.Payload != "sdp-offer" {
		t.Fatalf("bob got %+v, want alice's offer", msg)
	}

	if err := bob.Send(OpAnswer, "sdp-answer"); err != nil {
		t.Fatal("unexpected error", err)
	}
	msg = awaitMessage(t, alice)
	if msg.Op != OpAnswer || msg.From != bob.Self() || msg.Payload != "sdp-answer" {
		t.Fatalf("alice got %+v, want bob's answer", msg)
	}

	if err := alice.Send(OpCandidate, `{"candidate":"udp 1 ..."}`); err != nil {
		t.Fatal("unexpected error", err)
	}
	msg = awaitMessage(t, bob)
	if msg.Op != OpCandidate || msg.Payload == "" {
		t.Fatalf("bob got %+v, want alice's candidate", msg)
	}
}

func Test_Rendezvous_lobbyIsFullForAThirdClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	url := startServer(t)

	alice := joinLobby(t, url, "lobby-2")
	bob := joinLobby(t, url, "lobby-2")
	_ = alice
	_ = bob

	// give the first two joins time to land
	time.Sleep(100 * time.Millisecond)

	carol := joinLobby(t, url, "lobby-2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := carol.AwaitPeer(ctx); err == nil {
		t.Fatal("expected the server to turn carol away")
	}
}

func Test_Rendezvous_isolatesLobbies(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	url := startServer(t)

	alice := joinLobby(t, url, "lobby-a")
	bob := joinLobby(t, url, "lobby-a")
	carol := joinLobby(t, url, "lobby-b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.AwaitPeer(ctx); err != nil {
		t.Fatal("unexpected error", err)
	}
	if _, err := bob.AwaitPeer(ctx); err != nil {
		t.Fatal("unexpected error", err)
	}

	if err := alice.Send(OpOffer, "for bob only"); err != nil {
		t.Fatal("unexpected error", err)
	}
	msg := awaitMessage(t, bob)
	if msg.Payload != "for bob only" {
		t.Fatalf("bob got %+v", msg)
	}
	select {
	case msg := <-carol.Receive():
		t.Fatalf("carol got %+v from another lobby", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_Rendezvous_closeIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	url := startServer(t)
	client := joinLobby(t, url, "lobby-3")
	client.Close()
	client.Close()
	if err := client.Send(OpOffer, "x"); err == nil {
		t.Fatal("expected an error sending on a closed client")
	}
}
